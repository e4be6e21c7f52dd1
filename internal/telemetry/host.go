package telemetry

import (
	"context"
	"errors"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"
	"github.com/shirou/gopsutil/v4/net"
	"github.com/shirou/gopsutil/v4/sensors"
)

var errNoSensors = errors.New("no temperature sensors")

// hostSource reads the local machine through gopsutil
type hostSource struct{}

func (hostSource) CPUPercent(ctx context.Context) (float64, error) {
	// interval 0 compares against the previous call
	pct, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return 0, err
	}
	if len(pct) == 0 {
		return 0, errors.New("no cpu reading")
	}
	return pct[0], nil
}

func (hostSource) MemPercent(ctx context.Context) (float64, error) {
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return 0, err
	}
	return vm.UsedPercent, nil
}

func (hostSource) Temperature(ctx context.Context) (float64, error) {
	// partial results come back together with a warning error
	temps, err := sensors.TemperaturesWithContext(ctx)
	for _, t := range temps {
		if t.Temperature > 0 {
			return t.Temperature, nil
		}
	}
	if err != nil {
		return 0, err
	}
	return 0, errNoSensors
}

func (hostSource) NetCounters(ctx context.Context) (uint64, uint64, error) {
	counters, err := net.IOCountersWithContext(ctx, false)
	if err != nil {
		return 0, 0, err
	}
	if len(counters) == 0 {
		return 0, 0, errors.New("no network counters")
	}
	return counters[0].BytesSent, counters[0].BytesRecv, nil
}

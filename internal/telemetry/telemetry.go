// Package telemetry samples host resource usage.
package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/codefionn/deckcompanion/internal/logger"
)

// MessageType is the outbound message tag of Stats
const MessageType = "telemetry"

// Stats is one host reading. Network rates are bytes per second.
type Stats struct {
	CPU     float64 `json:"cpu"`
	RAM     float64 `json:"ram"`
	Temp    float64 `json:"temp"`
	NetUp   float64 `json:"net_up"`
	NetDown float64 `json:"net_down"`
}

// MarshalJSON adds the message tag
func (s Stats) MarshalJSON() ([]byte, error) {
	type plain Stats
	return json.Marshal(struct {
		Type string `json:"type"`
		plain
	}{MessageType, plain(s)})
}

// Source reads raw counters from the host
type Source interface {
	CPUPercent(ctx context.Context) (float64, error)
	MemPercent(ctx context.Context) (float64, error)
	// Temperature returns the first sensor reading in °C
	Temperature(ctx context.Context) (float64, error)
	// NetCounters returns total bytes sent and received on all interfaces
	NetCounters(ctx context.Context) (sent, recv uint64, err error)
}

// Sampler turns Source readings into Stats, deriving network rates from the
// counter deltas between consecutive samples.
type Sampler struct {
	src Source
	now func() time.Time
	log *logger.Logger

	mu       sync.Mutex
	primed   bool
	lastAt   time.Time
	lastSent uint64
	lastRecv uint64
}

// NewSampler returns a sampler reading the local host
func NewSampler() *Sampler {
	return NewSamplerWithSource(hostSource{})
}

// NewSamplerWithSource returns a sampler reading src
func NewSamplerWithSource(src Source) *Sampler {
	return &Sampler{
		src: src,
		now: time.Now,
		log: logger.Named("telemetry"),
	}
}

// Sample takes one reading. CPU and memory failures fail the sample; a
// missing temperature reads as 0 and a failed network read as zero rates.
func (s *Sampler) Sample(ctx context.Context) (Stats, error) {
	var st Stats
	var err error

	if st.CPU, err = s.src.CPUPercent(ctx); err != nil {
		return Stats{}, fmt.Errorf("cpu: %w", err)
	}
	if st.RAM, err = s.src.MemPercent(ctx); err != nil {
		return Stats{}, fmt.Errorf("memory: %w", err)
	}
	if st.Temp, err = s.src.Temperature(ctx); err != nil {
		s.log.Debug("Temperature unavailable: %v", err)
		st.Temp = 0
	}

	sent, recv, err := s.src.NetCounters(ctx)
	if err != nil {
		s.log.Debug("Network counters unavailable: %v", err)
		return st, nil
	}
	st.NetUp, st.NetDown = s.rates(sent, recv)
	return st, nil
}

func (s *Sampler) rates(sent, recv uint64) (up, down float64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if s.primed {
		elapsed := now.Sub(s.lastAt).Seconds()
		if elapsed < 1 {
			elapsed = 1
		}
		up = delta(s.lastSent, sent) / elapsed
		down = delta(s.lastRecv, recv) / elapsed
	}
	s.primed = true
	s.lastAt = now
	s.lastSent = sent
	s.lastRecv = recv
	return up, down
}

// delta treats a shrinking counter (interface reset) as no traffic
func delta(prev, cur uint64) float64 {
	if cur < prev {
		return 0
	}
	return float64(cur - prev)
}

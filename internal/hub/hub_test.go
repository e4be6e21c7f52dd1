package hub

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClient struct {
	id     string
	device string

	mu       sync.Mutex
	received [][]byte
	err      error
	panics   bool
}

func (c *fakeClient) ID() string       { return c.id }
func (c *fakeClient) DeviceID() string { return c.device }

func (c *fakeClient) Send(data []byte) error {
	if c.panics {
		panic("socket gone")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.received = append(c.received, data)
	return nil
}

func (c *fakeClient) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.received)
}

func (c *fakeClient) last(t *testing.T) map[string]any {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	require.NotEmpty(t, c.received)
	var m map[string]any
	require.NoError(t, json.Unmarshal(c.received[len(c.received)-1], &m))
	return m
}

func TestHubCreation(t *testing.T) {
	h := NewHub()
	require.NotNil(t, h)
	assert.Equal(t, 0, h.ClientCount())
}

func TestRegisterUnregister(t *testing.T) {
	h := NewHub()
	a := &fakeClient{id: "a", device: "tablet"}

	h.Register(a)
	h.Register(a)
	assert.Equal(t, 1, h.ClientCount())

	assert.True(t, h.Unregister(a))
	assert.False(t, h.Unregister(a), "second unregister must report absence")
	assert.Equal(t, 0, h.ClientCount())
}

func TestBroadcastFailureIsolated(t *testing.T) {
	h := NewHub()
	a := &fakeClient{id: "a", err: errors.New("connection closed")}
	b := &fakeClient{id: "b"}
	c := &fakeClient{id: "c", panics: true}
	h.Register(a)
	h.Register(b)
	h.Register(c)

	n, err := h.Broadcast(map[string]any{"type": "telemetry", "cpu": 12.5})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, b.count())
	assert.Equal(t, "telemetry", b.last(t)["type"])

	// Failed clients stay registered until their session leaves, but are
	// no longer sent to.
	assert.Equal(t, 3, h.ClientCount())
	a.mu.Lock()
	a.err = nil
	a.mu.Unlock()

	n, err = h.Broadcast(map[string]any{"type": "telemetry"})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 0, a.count())
	assert.Equal(t, 2, b.count())
}

func TestBroadcastPreservesPerClientOrder(t *testing.T) {
	h := NewHub()
	a := &fakeClient{id: "a"}
	h.Register(a)

	for i := 0; i < 10; i++ {
		_, err := h.Broadcast(map[string]int{"seq": i})
		require.NoError(t, err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	for i, data := range a.received {
		assert.JSONEq(t, fmt.Sprintf(`{"seq":%d}`, i), string(data))
	}
}

func TestBroadcastEncodingError(t *testing.T) {
	h := NewHub()
	h.Register(&fakeClient{id: "a"})

	_, err := h.Broadcast(map[string]any{"bad": make(chan int)})
	assert.Error(t, err)
}

func TestBroadcastToDevice(t *testing.T) {
	h := NewHub()
	a := &fakeClient{id: "a", device: "tab-1"}
	b := &fakeClient{id: "b", device: "tab 1"}
	c := &fakeClient{id: "c", device: "phone"}
	h.Register(a)
	h.Register(b)
	h.Register(c)

	strip := func(s string) string {
		out := make([]rune, 0, len(s))
		for _, r := range s {
			if r != ' ' && r != '-' {
				out = append(out, r)
			}
		}
		return string(out)
	}

	n, err := h.BroadcastToDevice(map[string]string{"type": "config"}, "tab1", strip)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 0, c.count())
}

func TestConcurrentRegisterDuringBroadcast(t *testing.T) {
	h := NewHub()
	var wg sync.WaitGroup

	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func(n int) {
			defer wg.Done()
			c := &fakeClient{id: fmt.Sprintf("c%d", n)}
			h.Register(c)
			if n%2 == 0 {
				h.Unregister(c)
			}
		}(i)
		go func() {
			defer wg.Done()
			_, _ = h.Broadcast(map[string]string{"type": "telemetry"})
		}()
	}
	wg.Wait()

	assert.Equal(t, 25, h.ClientCount())
}

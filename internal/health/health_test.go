package health

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ok(context.Context) Status { return Status{Healthy: true} }

func TestRegistryEmpty(t *testing.T) {
	healthy, statuses := NewRegistry().CheckAll(context.Background())
	assert.True(t, healthy)
	assert.Empty(t, statuses)
}

func TestRegistryAllHealthy(t *testing.T) {
	r := NewRegistry()
	r.Register("database", ok)
	r.Register("realtime", func(context.Context) Status {
		return Status{Healthy: true, Detail: "3 clients"}
	})

	healthy, statuses := r.CheckAll(context.Background())
	assert.True(t, healthy)
	require.Len(t, statuses, 2)
	assert.Equal(t, "database", statuses[0].Name)
	assert.Equal(t, "realtime", statuses[1].Name)
	assert.Equal(t, "3 clients", statuses[1].Detail)
	assert.NotEmpty(t, statuses[0].Latency)
}

func TestRegistryOneUnhealthy(t *testing.T) {
	r := NewRegistry()
	r.Register("database", Func(func(context.Context) error { return errors.New("connection refused") }))
	r.Register("realtime", ok)

	healthy, statuses := r.CheckAll(context.Background())
	assert.False(t, healthy)
	assert.False(t, statuses[0].Healthy)
	assert.Equal(t, "connection refused", statuses[0].Detail)
	assert.True(t, statuses[1].Healthy)
}

func TestRegistryTimeout(t *testing.T) {
	r := NewRegistry().WithTimeout(20 * time.Millisecond)
	release := make(chan struct{})
	defer close(release)
	r.Register("stuck", func(context.Context) Status {
		<-release
		return Status{Healthy: true}
	})

	start := time.Now()
	healthy, statuses := r.CheckAll(context.Background())
	assert.False(t, healthy)
	assert.Equal(t, "timed out", statuses[0].Detail)
	assert.Less(t, time.Since(start), time.Second)
}

func TestRegistryRunsConcurrently(t *testing.T) {
	r := NewRegistry()
	var inFlight, peak atomic.Int32
	for i := 0; i < 4; i++ {
		r.Register("slow", func(context.Context) Status {
			n := inFlight.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(20 * time.Millisecond)
			inFlight.Add(-1)
			return Status{Healthy: true}
		})
	}

	healthy, _ := r.CheckAll(context.Background())
	assert.True(t, healthy)
	assert.Greater(t, peak.Load(), int32(1))
}

func TestFuncHealthy(t *testing.T) {
	s := Func(func(context.Context) error { return nil })(context.Background())
	assert.True(t, s.Healthy)
	assert.Empty(t, s.Detail)
}

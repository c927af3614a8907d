package connectivity_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/retailpoint/storesync/pkg/connectivity"
)

func TestSetNotifiesOnlyOnTransitions(t *testing.T) {
	m := connectivity.NewMonitor(true)

	var flips []bool
	m.Subscribe(func(online bool) { flips = append(flips, online) })

	m.Set(true) // no change
	m.Set(false)
	m.Set(false) // no change
	m.Set(true)

	assert.Equal(t, []bool{false, true}, flips)
	assert.True(t, m.Online())
}

func TestRunFeedsProbeResults(t *testing.T) {
	m := connectivity.NewMonitor(true)

	done := make(chan struct{})
	m.Subscribe(func(online bool) {
		if !online {
			close(done)
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx, time.Millisecond, func(context.Context) bool { return false })

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("probe result never reached the monitor")
	}
	assert.False(t, m.Online())
}

package testutil

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestManualExecutor_RunsInOrder(t *testing.T) {
	x := NewManualExecutor()
	var got []int
	x.Go(func() { got = append(got, 1) })
	x.Go(func() {
		got = append(got, 2)
		x.Go(func() { got = append(got, 3) })
	})
	assert.Empty(t, got)
	assert.Equal(t, 2, x.Pending())

	assert.Equal(t, 3, x.RunPending())
	assert.Equal(t, []int{1, 2, 3}, got)
	assert.False(t, x.RunNext())
}

func TestManualExecutor_Timers(t *testing.T) {
	x := NewManualExecutor()
	fired := 0
	x.After(2*time.Second, func() { fired++ })

	assert.Equal(t, 0, x.RunPending())
	assert.Equal(t, []time.Duration{2 * time.Second}, x.Timers())
	assert.Equal(t, 1, x.FireTimers())
	assert.Equal(t, 1, fired)
	assert.Empty(t, x.Timers())
}

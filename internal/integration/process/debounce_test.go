package process

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDebouncer_Burst(t *testing.T) {
	var calls atomic.Int32
	d := NewDebouncer(50*time.Millisecond, func() { calls.Add(1) })

	for i := 0; i < 10; i++ {
		d.Call()
	}

	assert.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(1), calls.Load())
}

func TestDebouncer_SpacedCalls(t *testing.T) {
	var calls atomic.Int32
	d := NewDebouncer(20*time.Millisecond, func() { calls.Add(1) })

	for i := 1; i <= 3; i++ {
		d.Call()
		want := int32(i)
		assert.Eventually(t, func() bool { return calls.Load() == want }, time.Second, 5*time.Millisecond)
	}
}

func TestDebouncer_Cancel(t *testing.T) {
	var calls atomic.Int32
	d := NewDebouncer(50*time.Millisecond, func() { calls.Add(1) })

	d.Call()
	assert.True(t, d.IsPending())
	d.Cancel()
	assert.False(t, d.IsPending())

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(0), calls.Load())
}

func TestDebouncer_IsPending(t *testing.T) {
	d := NewDebouncer(30*time.Millisecond, func() {})

	assert.False(t, d.IsPending())
	d.Call()
	assert.True(t, d.IsPending())
	assert.Eventually(t, func() bool { return !d.IsPending() }, time.Second, 5*time.Millisecond)
}

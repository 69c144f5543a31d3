package testutil

import (
	"sync"
	"time"
)

// ManualExecutor queues tasks instead of running them, so a test decides
// exactly when store calls happen and when their results come back.
//
// Thread-safety: safe for concurrent use. Tasks run on the goroutine that
// calls RunPending, RunNext or FireTimers.
type ManualExecutor struct {
	mu     sync.Mutex
	tasks  []func()
	timers []timer
}

type timer struct {
	delay time.Duration
	task  func()
}

// NewManualExecutor creates an empty executor.
func NewManualExecutor() *ManualExecutor {
	return &ManualExecutor{}
}

// Go queues task.
func (x *ManualExecutor) Go(task func()) {
	x.mu.Lock()
	x.tasks = append(x.tasks, task)
	x.mu.Unlock()
}

// After queues task as a timer; it runs on the next FireTimers.
func (x *ManualExecutor) After(d time.Duration, task func()) {
	x.mu.Lock()
	x.timers = append(x.timers, timer{delay: d, task: task})
	x.mu.Unlock()
}

// RunNext runs the oldest queued task. Reports whether one ran.
func (x *ManualExecutor) RunNext() bool {
	x.mu.Lock()
	if len(x.tasks) == 0 {
		x.mu.Unlock()
		return false
	}
	task := x.tasks[0]
	x.tasks = x.tasks[1:]
	x.mu.Unlock()

	task()
	return true
}

// RunPending runs queued tasks in FIFO order, including tasks queued while
// running, and returns how many ran.
func (x *ManualExecutor) RunPending() int {
	n := 0
	for x.RunNext() {
		n++
	}
	return n
}

// Pending returns the number of queued tasks.
func (x *ManualExecutor) Pending() int {
	x.mu.Lock()
	defer x.mu.Unlock()
	return len(x.tasks)
}

// Timers returns the delays of the queued timers.
func (x *ManualExecutor) Timers() []time.Duration {
	x.mu.Lock()
	defer x.mu.Unlock()
	out := make([]time.Duration, len(x.timers))
	for i, t := range x.timers {
		out[i] = t.delay
	}
	return out
}

// FireTimers runs every queued timer regardless of its delay and returns
// how many ran.
func (x *ManualExecutor) FireTimers() int {
	x.mu.Lock()
	timers := x.timers
	x.timers = nil
	x.mu.Unlock()

	for _, t := range timers {
		t.task()
	}
	return len(timers)
}

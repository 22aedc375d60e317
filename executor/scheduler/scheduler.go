package scheduler

import (
	"context"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/GPTx-global/executor/executor/log"
	"github.com/GPTx-global/executor/executor/metrics"
)

// Spawner starts detached per-job tasks.
type Spawner interface {
	Spawn(name string, fn func(ctx context.Context)) *Task
}

// Task is a handle on a spawned task.
type Task struct {
	name string
	done chan struct{}
}

func (t *Task) Name() string {
	return t.name
}

// Done is closed when the task returns.
func (t *Task) Done() <-chan struct{} {
	return t.done
}

// TaskGroup runs tasks under a shared root context. A panicking task is logged and
// counted; the rest of the group keeps running.
type TaskGroup struct {
	ctx      context.Context
	wg       sync.WaitGroup
	inFlight atomic.Int64
}

func NewTaskGroup(ctx context.Context) *TaskGroup {
	return &TaskGroup{ctx: ctx}
}

func (g *TaskGroup) Spawn(name string, fn func(ctx context.Context)) *Task {
	task := &Task{name: name, done: make(chan struct{})}

	g.wg.Add(1)
	metrics.SetInFlightTasks(int(g.inFlight.Add(1)))
	metrics.TaskSpawned(name)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				log.Errorf("task %s panicked: %v\n%s", name, r, debug.Stack())
				metrics.TaskPanicked(name)
			}
			metrics.SetInFlightTasks(int(g.inFlight.Add(-1)))
			close(task.done)
			g.wg.Done()
		}()

		fn(g.ctx)
	}()

	return task
}

func (g *TaskGroup) InFlight() int {
	return int(g.inFlight.Load())
}

// Wait blocks until every spawned task has returned.
func (g *TaskGroup) Wait() {
	g.wg.Wait()
}

package worker

import (
	"context"
	"math"
	"math/big"
	"time"

	"github.com/GPTx-global/executor/executor/log"
	"github.com/GPTx-global/executor/executor/retry"
	"github.com/GPTx-global/executor/executor/state"
	"github.com/GPTx-global/executor/executor/types"
)

// TimeoutWatcher slashes jobs that are still unsettled once their deadline plus the
// execution buffer has passed. It only reads the running jobs set.
type TimeoutWatcher struct {
	running *state.RunningJobs
	buffer  time.Duration
	now     func() time.Time
}

func NewTimeoutWatcher(running *state.RunningJobs, buffer time.Duration) *TimeoutWatcher {
	return &TimeoutWatcher{
		running: running,
		buffer:  buffer,
		now:     time.Now,
	}
}

// Watch waits until deadline (unix seconds) plus the buffer, then sends a timeout outcome
// if id is still running. It returns silently when ctx ends.
func (w *TimeoutWatcher) Watch(ctx context.Context, id *big.Int, deadline uint64, out chan<- types.JobOutcome) {
	if deadline > math.MaxInt64/2 {
		log.Warnf("job %s deadline %d out of range, not watching", id, deadline)
		return
	}

	expiry := time.Unix(int64(deadline), 0).Add(w.buffer)
	if err := retry.Wait(ctx, expiry.Sub(w.now())); err != nil {
		return
	}

	if !w.running.Has(id) {
		log.Debugf("job %s settled before its deadline", id)
		return
	}

	log.Infof("job %s missed its deadline %d, requesting slash", id, deadline)

	select {
	case out <- types.NewTimeoutOutcome(id):
	case <-ctx.Done():
	}
}

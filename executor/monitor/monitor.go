package monitor

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"

	"github.com/GPTx-global/executor/executor/log"
	"github.com/GPTx-global/executor/executor/metrics"
	"github.com/GPTx-global/executor/executor/scheduler"
	"github.com/GPTx-global/executor/executor/state"
	"github.com/GPTx-global/executor/executor/subscribe"
	"github.com/GPTx-global/executor/executor/types"
)

// JobRunner executes a job and sends at most one output outcome.
type JobRunner interface {
	Execute(ctx context.Context, job types.Job, out chan<- types.JobOutcome)
}

// TimeoutRunner polices the deadline of a job and sends at most one timeout outcome.
type TimeoutRunner interface {
	Watch(ctx context.Context, id *big.Int, deadline uint64, out chan<- types.JobOutcome)
}

// Checkpointer persists the cursor.
type Checkpointer interface {
	SaveCursor(block uint64) error
}

// Result tells the listener why Dispatch returned.
type Result int

const (
	ResultStreamsEnded Result = iota
	ResultDeregistered
	ResultCancelled
)

func (r Result) String() string {
	switch r {
	case ResultStreamsEnded:
		return "streams ended"
	case ResultDeregistered:
		return "deregistered"
	case ResultCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Monitor gates the listener on registration and dispatches chain events to per-job tasks.
type Monitor struct {
	state    *state.NodeState
	subs     *subscribe.Manager
	spawner  scheduler.Spawner
	executor JobRunner
	watcher  TimeoutRunner
	outcomes chan<- types.JobOutcome
	store    Checkpointer
}

// New builds a Monitor. store may be nil.
func New(
	st *state.NodeState,
	subs *subscribe.Manager,
	spawner scheduler.Spawner,
	executor JobRunner,
	watcher TimeoutRunner,
	outcomes chan<- types.JobOutcome,
	store Checkpointer,
) *Monitor {
	return &Monitor{
		state:    st,
		subs:     subs,
		spawner:  spawner,
		executor: executor,
		watcher:  watcher,
		outcomes: outcomes,
		store:    store,
	}
}

// AwaitRegistration blocks until this node's registration event is seen on src. It returns
// false when the stream ends first, in which case the caller reconnects.
func (m *Monitor) AwaitRegistration(ctx context.Context, src subscribe.LogSource) (bool, error) {
	if m.state.Registered() {
		return true, nil
	}

	from := m.state.Cursor.Load()
	stream, err := m.subs.SubscribeRegistration(ctx, src, m.state.Owner(), from)
	if err != nil {
		return false, err
	}
	defer stream.Unsubscribe()

	for vLog := range stream.Logs() {
		if vLog.Removed {
			metrics.LogSkipped(metrics.ReasonRemoved)
			continue
		}

		block := from
		if hasBlock(vLog) {
			block = vLog.BlockNumber
		}

		m.state.SetRegistered(true)
		m.advance(block)
		log.Infof("executor %s registered at block %d", m.state.Identity.Address, block)

		return true, nil
	}

	if err := ctx.Err(); err != nil {
		return false, err
	}

	return false, stream.Err()
}

// Dispatch consumes both streams until deregistration, context end or exhaustion of both.
func (m *Monitor) Dispatch(ctx context.Context, jobs, dereg <-chan ethtypes.Log) Result {
	for jobs != nil || dereg != nil {
		select {
		case <-ctx.Done():
			return ResultCancelled

		case vLog, ok := <-dereg:
			if !ok {
				dereg = nil
				continue
			}
			if vLog.Removed {
				metrics.LogSkipped(metrics.ReasonRemoved)
				continue
			}

			m.state.SetRegistered(false)
			metrics.Deregistered()
			log.Infof("executor %s deregistered at block %d", m.state.Identity.Address, vLog.BlockNumber)

			return ResultDeregistered

		case vLog, ok := <-jobs:
			if !ok {
				jobs = nil
				continue
			}
			m.handleJobLog(vLog)
		}
	}

	log.Infof("both the jobs and the executors event streams ended")

	return ResultStreamsEnded
}

func (m *Monitor) handleJobLog(vLog ethtypes.Log) {
	if vLog.Removed {
		metrics.LogSkipped(metrics.ReasonRemoved)
		return
	}
	if !hasBlock(vLog) {
		metrics.LogSkipped(metrics.ReasonNoBlock)
		return
	}
	if m.state.Cursor.IsStale(vLog.BlockNumber) {
		metrics.LogSkipped(metrics.ReasonStale)
		return
	}

	// before decoding, so an undecodable log is never replayed
	m.advance(vLog.BlockNumber)

	kind := types.KindOf(vLog)
	metrics.EventReceived(kind.String())

	switch kind {
	case types.JobCreatedEvent:
		m.handleJobCreated(vLog)
	case types.JobRespondedEvent:
		m.handleJobResponded(vLog)
	default:
		metrics.LogSkipped(metrics.ReasonUnknownKind)
	}
}

func (m *Monitor) handleJobCreated(vLog ethtypes.Log) {
	event, err := types.DecodeJobCreated(vLog)
	if err != nil {
		metrics.DecodeFailed(types.JobCreatedEvent.String())
		log.Errorf("skipping JobCreated log at block %d: %v", vLog.BlockNumber, err)
		return
	}

	// a replayed or re-included id keeps a single entry; its tasks are spawned again
	if !m.state.Running.Insert(event.ID) {
		log.Debugf("job %s already tracked", event.ID)
	}
	metrics.SetRunningJobs(m.state.Running.Len())

	selected := event.IsSelected(m.state.Identity.Address)
	log.Infof("job %s created, deadline %d, selected %t", event.ID, event.Deadline, selected)

	id := new(big.Int).Set(event.ID)
	deadline := event.Deadline
	m.spawner.Spawn("timeout-monitor", func(ctx context.Context) {
		m.watcher.Watch(ctx, id, deadline, m.outcomes)
	})

	if selected {
		job := event.Job()
		m.spawner.Spawn("job-executor", func(ctx context.Context) {
			m.executor.Execute(ctx, job, m.outcomes)
		})
	}
}

func (m *Monitor) handleJobResponded(vLog ethtypes.Log) {
	event, err := types.DecodeJobResponded(vLog)
	if err != nil {
		metrics.DecodeFailed(types.JobRespondedEvent.String())
		log.Errorf("skipping JobResponded log at block %d: %v", vLog.BlockNumber, err)
		return
	}

	log.Debugf("job %s responded, %d of %d outputs", event.ID, event.OutputCount, m.state.Identity.Quorum)

	if event.OutputCount == m.state.Identity.Quorum {
		m.state.Running.Remove(event.ID)
		metrics.SetRunningJobs(m.state.Running.Len())
	}
}

func (m *Monitor) advance(block uint64) {
	if !m.state.Cursor.Advance(block) {
		return
	}
	metrics.SetCursor(block)

	if m.store == nil {
		return
	}
	if err := m.store.SaveCursor(m.state.Cursor.Load()); err != nil {
		log.Errorf("failed to checkpoint cursor at block %d: %v", block, err)
	}
}

// hasBlock reports whether the log is mined. Pending logs carry no block hash.
func hasBlock(vLog ethtypes.Log) bool {
	return vLog.BlockHash != (common.Hash{})
}

package tx

import (
	"context"
	"sync"

	"github.com/GPTx-global/executor/executor/log"
	"github.com/GPTx-global/executor/executor/metrics"
	"github.com/GPTx-global/executor/executor/types"
)

// Sender signs and broadcasts a prepared Jobs contract call.
type Sender interface {
	Send(ctx context.Context, call types.Call) error
}

// TxManager is the single writer of node transactions. Job tasks queue outcomes; Run turns
// them into calls one at a time.
type TxManager struct {
	sender      Sender
	resultQueue chan types.JobOutcome
	closeOnce   sync.Once
}

func NewTxManager(sender Sender, queueSize int) *TxManager {
	if queueSize <= 0 {
		queueSize = 100
	}

	return &TxManager{
		sender:      sender,
		resultQueue: make(chan types.JobOutcome, queueSize),
	}
}

func (txm *TxManager) ResultQueue() chan<- types.JobOutcome {
	return txm.resultQueue
}

// Close stops accepting outcomes. Run returns after draining what is queued. Every producer
// must have returned before Close is called.
func (txm *TxManager) Close() {
	txm.closeOnce.Do(func() {
		close(txm.resultQueue)
	})
}

// Run drains the queue until it is closed. A failed send is logged and the next outcome
// is processed.
func (txm *TxManager) Run(ctx context.Context) {
	for outcome := range txm.resultQueue {
		call, ok := buildCall(outcome)
		if !ok {
			log.Warnf("dropping empty job outcome")
			continue
		}

		if err := txm.sender.Send(ctx, call); err != nil {
			metrics.TxFailed(call.Method)
			log.Errorf("failed to send %s for job %s: %v", call.Method, jobID(outcome), err)
			continue
		}

		metrics.TxSent(call.Method)
		log.Infof("%s sent for job %s", call.Method, jobID(outcome))
	}

	log.Infof("transaction sender channel stopped")
}

func buildCall(outcome types.JobOutcome) (types.Call, bool) {
	switch {
	case outcome.Output != nil:
		return types.SubmitOutputCall(outcome.Output), true
	case outcome.Timeout != nil:
		return types.SlashTimeoutCall(outcome.Timeout), true
	default:
		return types.Call{}, false
	}
}

func jobID(outcome types.JobOutcome) string {
	if outcome.Output != nil {
		return outcome.Output.JobID.String()
	}
	return outcome.Timeout.String()
}

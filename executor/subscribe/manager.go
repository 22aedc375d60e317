package subscribe

import (
	"context"
	"math/big"
	"sync"

	errorsmod "cosmossdk.io/errors"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/GPTx-global/executor/executor/log"
	"github.com/GPTx-global/executor/executor/state"
	"github.com/GPTx-global/executor/executor/types"
)

// LogSource is a chain connection able to stream filtered logs. *ethclient.Client satisfies it.
type LogSource interface {
	SubscribeFilterLogs(ctx context.Context, q ethereum.FilterQuery, ch chan<- ethtypes.Log) (ethereum.Subscription, error)
	Close()
}

// Dialer opens a fresh LogSource.
type Dialer func(ctx context.Context) (LogSource, error)

// DialWebsocket returns a Dialer connecting to endpoint (ws:// or wss://).
func DialWebsocket(endpoint string) Dialer {
	return func(ctx context.Context) (LogSource, error) {
		client, err := ethclient.DialContext(ctx, endpoint)
		if err != nil {
			return nil, errorsmod.Wrapf(types.ErrConnect, "%s: %v", endpoint, err)
		}
		return client, nil
	}
}

func addressTopic(addr common.Address) common.Hash {
	return common.BytesToHash(addr.Bytes())
}

// RegistrationFilter matches ExecutorRegistered(self, owner, ...) from block from on.
func RegistrationFilter(executors, self, owner common.Address, from uint64) ethereum.FilterQuery {
	return ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(from),
		Addresses: []common.Address{executors},
		Topics: [][]common.Hash{
			{types.ExecutorRegisteredTopic},
			{addressTopic(self)},
			{addressTopic(owner)},
		},
	}
}

// JobsFilter matches JobCreated and JobResponded from block from on.
func JobsFilter(jobs common.Address, from uint64) ethereum.FilterQuery {
	return ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(from),
		Addresses: []common.Address{jobs},
		Topics: [][]common.Hash{
			{types.JobCreatedTopic, types.JobRespondedTopic},
		},
	}
}

// DeregistrationFilter matches ExecutorDeregistered(self) from block from on.
func DeregistrationFilter(executors, self common.Address, from uint64) ethereum.FilterQuery {
	return ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(from),
		Addresses: []common.Address{executors},
		Topics: [][]common.Hash{
			{types.ExecutorDeregisteredTopic},
			{addressTopic(self)},
		},
	}
}

// Manager opens the log subscriptions of one connection.
type Manager struct {
	self        common.Address
	jobs        common.Address
	executors   common.Address
	channelSize int
}

func NewManager(identity state.Identity, channelSize int) *Manager {
	if channelSize <= 0 {
		channelSize = 1
	}

	return &Manager{
		self:        identity.Address,
		jobs:        identity.JobsContract,
		executors:   identity.ExecutorsContract,
		channelSize: channelSize,
	}
}

func (sm *Manager) SubscribeRegistration(ctx context.Context, src LogSource, owner common.Address, from uint64) (*Stream, error) {
	q := RegistrationFilter(sm.executors, sm.self, owner, from)
	return sm.subscribe(ctx, src, "registration", q)
}

// SubscribeEvents opens the jobs and the deregistration streams. If either fails, neither is
// left open.
func (sm *Manager) SubscribeEvents(ctx context.Context, src LogSource, from uint64) (jobs, dereg *Stream, err error) {
	jobs, err = sm.subscribe(ctx, src, "jobs", JobsFilter(sm.jobs, from))
	if err != nil {
		return nil, nil, err
	}

	dereg, err = sm.subscribe(ctx, src, "deregistration", DeregistrationFilter(sm.executors, sm.self, from))
	if err != nil {
		jobs.Unsubscribe()
		return nil, nil, err
	}

	return jobs, dereg, nil
}

func (sm *Manager) subscribe(ctx context.Context, src LogSource, name string, q ethereum.FilterQuery) (*Stream, error) {
	raw := make(chan ethtypes.Log, sm.channelSize)
	sub, err := src.SubscribeFilterLogs(ctx, q, raw)
	if err != nil {
		return nil, errorsmod.Wrapf(types.ErrSubscribe, "%s logs of %v: %v", name, q.Addresses, err)
	}

	log.Debugf("subscribed to %s logs from block %s", name, q.FromBlock)

	return newStream(ctx, name, sub, raw), nil
}

// Stream forwards the logs of one subscription. Logs() is closed once the subscription
// fails, is unsubscribed or its context ends.
type Stream struct {
	name string
	sub  ethereum.Subscription
	raw  chan ethtypes.Log
	out  chan ethtypes.Log
	quit chan struct{}
	once sync.Once

	errMu sync.Mutex
	err   error
}

func newStream(ctx context.Context, name string, sub ethereum.Subscription, raw chan ethtypes.Log) *Stream {
	s := &Stream{
		name: name,
		sub:  sub,
		raw:  raw,
		out:  make(chan ethtypes.Log),
		quit: make(chan struct{}),
	}
	go s.forward(ctx)

	return s
}

func (s *Stream) Name() string {
	return s.name
}

func (s *Stream) Logs() <-chan ethtypes.Log {
	return s.out
}

// Err returns the error that ended the stream, if any.
func (s *Stream) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()

	return s.err
}

// Unsubscribe tears the subscription down. Safe to call more than once.
func (s *Stream) Unsubscribe() {
	s.once.Do(func() {
		close(s.quit)
		s.sub.Unsubscribe()
	})
}

func (s *Stream) forward(ctx context.Context) {
	defer close(s.out)
	defer s.Unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.quit:
			return
		case err, ok := <-s.sub.Err():
			if ok && err != nil {
				s.errMu.Lock()
				s.err = err
				s.errMu.Unlock()
				log.Warnf("%s log stream failed: %v", s.name, err)
			}
			s.drain(ctx)
			return
		case vLog := <-s.raw:
			if !s.deliver(ctx, vLog) {
				return
			}
		}
	}
}

// drain hands over logs already buffered when the subscription ended.
func (s *Stream) drain(ctx context.Context) {
	for {
		select {
		case vLog := <-s.raw:
			if !s.deliver(ctx, vLog) {
				return
			}
		default:
			return
		}
	}
}

func (s *Stream) deliver(ctx context.Context, vLog ethtypes.Log) bool {
	select {
	case s.out <- vLog:
		return true
	case <-ctx.Done():
		return false
	case <-s.quit:
		return false
	}
}

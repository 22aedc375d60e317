// Package testutil provides an in-memory log source and log builders for tests.
package testutil

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"sync/atomic"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/GPTx-global/executor/executor/types"
)

var ErrFeedClosed = errors.New("feed closed")

// FakeSubscription mimics an rpc log subscription.
type FakeSubscription struct {
	errCh        chan error
	done         chan struct{}
	once         sync.Once
	unsubscribed atomic.Bool
}

func NewFakeSubscription() *FakeSubscription {
	return &FakeSubscription{
		errCh: make(chan error, 1),
		done:  make(chan struct{}),
	}
}

func (s *FakeSubscription) Err() <-chan error {
	return s.errCh
}

func (s *FakeSubscription) Unsubscribe() {
	s.unsubscribed.Store(true)
	s.end(nil)
}

func (s *FakeSubscription) Unsubscribed() bool {
	return s.unsubscribed.Load()
}

func (s *FakeSubscription) end(err error) {
	s.once.Do(func() {
		if err != nil {
			s.errCh <- err
		}
		close(s.errCh)
		close(s.done)
	})
}

// Feed is one subscription opened on a FakeSource.
type Feed struct {
	Query ethereum.FilterQuery
	Sub   *FakeSubscription
	ch    chan<- ethtypes.Log
}

// Send pushes logs to the subscriber in order.
func (f *Feed) Send(logs ...ethtypes.Log) error {
	for _, vLog := range logs {
		select {
		case f.ch <- vLog:
		case <-f.Sub.done:
			return ErrFeedClosed
		}
	}
	return nil
}

// End closes the feed as an exhausted stream.
func (f *Feed) End() {
	f.Sub.end(nil)
}

// Fail closes the feed with err.
func (f *Feed) Fail(err error) {
	f.Sub.end(err)
}

func (f *Feed) Topic() common.Hash {
	if len(f.Query.Topics) == 0 || len(f.Query.Topics[0]) == 0 {
		return common.Hash{}
	}
	return f.Query.Topics[0][0]
}

// FakeSource is an in-memory LogSource.
type FakeSource struct {
	mu     sync.Mutex
	feeds  []*Feed
	closed atomic.Bool

	// FailSubscribe, when set, is consulted before every subscription.
	FailSubscribe func(q ethereum.FilterQuery) error
}

func NewFakeSource() *FakeSource {
	return &FakeSource{}
}

func (s *FakeSource) SubscribeFilterLogs(_ context.Context, q ethereum.FilterQuery, ch chan<- ethtypes.Log) (ethereum.Subscription, error) {
	if s.FailSubscribe != nil {
		if err := s.FailSubscribe(q); err != nil {
			return nil, err
		}
	}

	feed := &Feed{Query: q, Sub: NewFakeSubscription(), ch: ch}

	s.mu.Lock()
	s.feeds = append(s.feeds, feed)
	s.mu.Unlock()

	return feed.Sub, nil
}

func (s *FakeSource) Close() {
	s.closed.Store(true)

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, feed := range s.feeds {
		feed.End()
	}
}

func (s *FakeSource) Closed() bool {
	return s.closed.Load()
}

func (s *FakeSource) Feeds() []*Feed {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]*Feed(nil), s.feeds...)
}

// FeedFor returns the latest feed whose first topic filter starts with topic, or nil.
func (s *FakeSource) FeedFor(topic common.Hash) *Feed {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := len(s.feeds) - 1; i >= 0; i-- {
		if s.feeds[i].Topic() == topic {
			return s.feeds[i]
		}
	}
	return nil
}

func blockHash(block uint64) common.Hash {
	return crypto.Keccak256Hash(new(big.Int).SetUint64(block).Bytes(), []byte("block"))
}

func addressTopic(addr common.Address) common.Hash {
	return common.BytesToHash(addr.Bytes())
}

func RegisteredLog(executors, self, owner common.Address, block uint64) ethtypes.Log {
	return ethtypes.Log{
		Address: executors,
		Topics: []common.Hash{
			types.ExecutorRegisteredTopic,
			addressTopic(self),
			addressTopic(owner),
		},
		Data:        common.LeftPadBytes(big.NewInt(1).Bytes(), 32),
		BlockNumber: block,
		BlockHash:   blockHash(block),
	}
}

func DeregisteredLog(executors, self common.Address, block uint64) ethtypes.Log {
	return ethtypes.Log{
		Address:     executors,
		Topics:      []common.Hash{types.ExecutorDeregisteredTopic, addressTopic(self)},
		BlockNumber: block,
		BlockHash:   blockHash(block),
	}
}

// JobCreatedLog builds a JobCreated log with fixed code hash and inputs.
func JobCreatedLog(jobs common.Address, id int64, block, deadline uint64, selected ...common.Address) ethtypes.Log {
	data, err := types.EncodeJobCreatedData(CodeHash(), []byte("inputs"), new(big.Int).SetUint64(deadline), selected)
	if err != nil {
		panic(err)
	}

	return ethtypes.Log{
		Address: jobs,
		Topics: []common.Hash{
			types.JobCreatedTopic,
			common.BigToHash(big.NewInt(id)),
			addressTopic(common.HexToAddress("0x00000000000000000000000000000000000000aa")),
		},
		Data:        data,
		BlockNumber: block,
		BlockHash:   blockHash(block),
	}
}

func JobRespondedLog(jobs common.Address, id int64, block uint64, outputCount uint8) ethtypes.Log {
	data, err := types.EncodeJobRespondedData([]byte("output"), big.NewInt(1000), 0, outputCount)
	if err != nil {
		panic(err)
	}

	return ethtypes.Log{
		Address:     jobs,
		Topics:      []common.Hash{types.JobRespondedTopic, common.BigToHash(big.NewInt(id))},
		Data:        data,
		BlockNumber: block,
		BlockHash:   blockHash(block),
	}
}

// Removed marks a log as retracted by a reorg.
func Removed(vLog ethtypes.Log) ethtypes.Log {
	vLog.Removed = true
	return vLog
}

// Pending strips the block of a log.
func Pending(vLog ethtypes.Log) ethtypes.Log {
	vLog.BlockNumber = 0
	vLog.BlockHash = common.Hash{}
	return vLog
}

func CodeHash() [32]byte {
	var h [32]byte
	copy(h[:], crypto.Keccak256([]byte("code")))
	return h
}

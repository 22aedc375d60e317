package daemon

import (
	"context"
	"errors"
	"math/big"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/suite"

	"github.com/GPTx-global/executor/executor/state"
	"github.com/GPTx-global/executor/executor/store"
	"github.com/GPTx-global/executor/executor/subscribe"
	"github.com/GPTx-global/executor/executor/testutil"
	"github.com/GPTx-global/executor/executor/types"
)

var (
	self      = common.HexToAddress("0x1111111111111111111111111111111111111111")
	owner     = common.HexToAddress("0x3333333333333333333333333333333333333333")
	jobsAddr  = common.HexToAddress("0x000000000000000000000000000000000000a001")
	execsAddr = common.HexToAddress("0x000000000000000000000000000000000000a002")
)

type recordingSender struct {
	mu    sync.Mutex
	calls []types.Call
}

func (r *recordingSender) Send(_ context.Context, call types.Call) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, call)
	return nil
}

func (r *recordingSender) Methods() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	methods := make([]string, 0, len(r.calls))
	for _, call := range r.calls {
		methods = append(methods, call.Method)
	}
	sort.Strings(methods)
	return methods
}

type instantExecutor struct{}

func (instantExecutor) Execute(ctx context.Context, job types.Job, out chan<- types.JobOutcome) {
	select {
	case out <- types.NewOutputOutcome(&types.ExecutionOutput{JobID: job.ID, Output: []byte("ok")}):
	case <-ctx.Done():
	}
}

// fakeDialer hands out a fresh FakeSource per dial after failing the first failures dials.
type fakeDialer struct {
	failures int32
	calls    atomic.Int32
	dialed   chan *testutil.FakeSource
}

func (f *fakeDialer) Dial(context.Context) (subscribe.LogSource, error) {
	if f.calls.Add(1) <= f.failures {
		return nil, errors.New("connection refused")
	}

	src := testutil.NewFakeSource()
	f.dialed <- src
	return src, nil
}

type DaemonTestSuite struct {
	suite.Suite
	ctx    context.Context
	cancel context.CancelFunc
	dialer *fakeDialer
	sender *recordingSender
	store  *store.CursorStore
	daemon *Daemon
}

func TestDaemonTestSuite(t *testing.T) {
	suite.Run(t, new(DaemonTestSuite))
}

func (suite *DaemonTestSuite) SetupTest() {
	suite.ctx, suite.cancel = context.WithCancel(context.Background())
	suite.dialer = &fakeDialer{dialed: make(chan *testutil.FakeSource, 16)}
	suite.sender = &recordingSender{}
	suite.store = store.NewMemStore()
	suite.daemon = suite.newDaemon(100)
}

func (suite *DaemonTestSuite) TearDownTest() {
	suite.daemon.Stop()
	suite.cancel()
}

func (suite *DaemonTestSuite) newDaemon(startBlock uint64) *Daemon {
	d, err := NewWithComponents(suite.ctx, Components{
		Identity: state.Identity{
			Address:           self,
			JobsContract:      jobsAddr,
			ExecutorsContract: execsAddr,
			Quorum:            3,
		},
		Owner:            owner,
		StartBlock:       startBlock,
		Dialer:           suite.dialer.Dial,
		Sender:           suite.sender,
		Executor:         instantExecutor{},
		Store:            suite.store,
		OutcomeQueueSize: 16,
		StreamBuffer:     16,
	})
	suite.Require().NoError(err)
	return d
}

func (suite *DaemonTestSuite) nextSource() *testutil.FakeSource {
	select {
	case src := <-suite.dialer.dialed:
		return src
	case <-time.After(2 * time.Second):
		suite.FailNow("no connection dialed")
		return nil
	}
}

func (suite *DaemonTestSuite) waitFeed(src *testutil.FakeSource, topic common.Hash) *testutil.Feed {
	suite.Require().Eventually(func() bool {
		return src.FeedFor(topic) != nil
	}, 2*time.Second, 5*time.Millisecond)
	return src.FeedFor(topic)
}

func (suite *DaemonTestSuite) waitDone() {
	select {
	case <-suite.daemon.Done():
	case <-time.After(2 * time.Second):
		suite.FailNow("listener did not exit")
	}
}

func (suite *DaemonTestSuite) TestLifecycle() {
	d := suite.daemon
	suite.Require().NoError(d.Start())

	// first connection: registration, then a job that is both executed and overdue
	src1 := suite.nextSource()
	reg := suite.waitFeed(src1, types.ExecutorRegisteredTopic)
	suite.Require().NoError(reg.Send(testutil.RegisteredLog(execsAddr, self, owner, 120)))

	jobs := suite.waitFeed(src1, types.JobCreatedTopic)
	suite.Equal(big.NewInt(120), jobs.Query.FromBlock)
	suite.Require().NoError(jobs.Send(testutil.JobCreatedLog(jobsAddr, 42, 130, 1, self)))

	suite.Require().Eventually(func() bool {
		return len(suite.sender.Methods()) == 2
	}, 2*time.Second, 5*time.Millisecond)
	suite.Equal([]string{types.SlashOnExecutionTimeoutMethod, types.SubmitOutputMethod}, suite.sender.Methods())

	stored, ok, err := suite.store.LoadCursor()
	suite.Require().NoError(err)
	suite.True(ok)
	suite.Equal(uint64(130), stored)

	// both streams end: reconnect without a new registration round
	src1.Close()
	src2 := suite.nextSource()
	jobs2 := suite.waitFeed(src2, types.JobCreatedTopic)
	suite.Equal(big.NewInt(130), jobs2.Query.FromBlock)
	suite.Nil(src2.FeedFor(types.ExecutorRegisteredTopic))
	suite.True(d.State().Registered())

	dereg := suite.waitFeed(src2, types.ExecutorDeregisteredTopic)
	suite.Require().NoError(dereg.Send(testutil.DeregisteredLog(execsAddr, self, 140)))

	suite.waitDone()
	suite.False(d.State().Registered())
	suite.False(d.State().ListenerActive())
	suite.Equal(uint64(130), d.State().Cursor.Load())
	suite.Eventually(src2.Closed, time.Second, 5*time.Millisecond)
}

func (suite *DaemonTestSuite) TestListen_AlreadyActive() {
	suite.Require().True(suite.daemon.State().AcquireListener())

	err := suite.daemon.Listen(suite.ctx)
	suite.Require().ErrorIs(err, types.ErrListenerActive)
	suite.True(suite.daemon.State().ListenerActive())
	suite.Zero(suite.dialer.calls.Load())
}

func (suite *DaemonTestSuite) TestListen_RetriesDialFailures() {
	suite.dialer.failures = 2

	done := make(chan error, 1)
	go func() { done <- suite.daemon.Listen(suite.ctx) }()

	src := suite.nextSource()
	suite.GreaterOrEqual(suite.dialer.calls.Load(), int32(3))
	suite.waitFeed(src, types.ExecutorRegisteredTopic)
	suite.True(suite.daemon.State().ListenerActive())

	suite.cancel()
	select {
	case err := <-done:
		suite.ErrorIs(err, context.Canceled)
	case <-time.After(2 * time.Second):
		suite.FailNow("listener did not exit")
	}
	suite.False(suite.daemon.State().ListenerActive())
}

func (suite *DaemonTestSuite) TestListen_RegistrationStreamEnds() {
	done := make(chan error, 1)
	go func() { done <- suite.daemon.Listen(suite.ctx) }()

	src1 := suite.nextSource()
	suite.waitFeed(src1, types.ExecutorRegisteredTopic).End()

	src2 := suite.nextSource()
	suite.waitFeed(src2, types.ExecutorRegisteredTopic)
	suite.Nil(src2.FeedFor(types.JobCreatedTopic))
	suite.Eventually(src1.Closed, time.Second, 5*time.Millisecond)
	suite.False(suite.daemon.State().Registered())

	suite.cancel()
	suite.ErrorIs(<-done, context.Canceled)
}

func (suite *DaemonTestSuite) TestStop_CancelsWaitingListener() {
	suite.Require().NoError(suite.daemon.Start())

	src := suite.nextSource()
	suite.waitFeed(src, types.ExecutorRegisteredTopic)

	suite.daemon.Stop()
	suite.waitDone()
	suite.True(src.Closed())
	suite.False(suite.daemon.State().ListenerActive())

	// idempotent
	suite.daemon.Stop()
}

func (suite *DaemonTestSuite) TestStart_Twice() {
	suite.Require().NoError(suite.daemon.Start())
	suite.Error(suite.daemon.Start())
}

func (suite *DaemonTestSuite) TestStopWithoutStart() {
	suite.NotPanics(suite.daemon.Stop)
}

func (suite *DaemonTestSuite) TestResumeFromStoredCursor() {
	suite.Require().NoError(suite.store.SaveCursor(500))
	suite.Equal(uint64(500), suite.newDaemon(100).State().Cursor.Load())

	suite.Require().NoError(suite.store.SaveCursor(50))
	suite.Equal(uint64(100), suite.newDaemon(100).State().Cursor.Load())
}

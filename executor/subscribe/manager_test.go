package subscribe

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/suite"

	"github.com/GPTx-global/executor/executor/state"
	"github.com/GPTx-global/executor/executor/testutil"
	"github.com/GPTx-global/executor/executor/types"
)

var (
	self      = common.HexToAddress("0x1111111111111111111111111111111111111111")
	owner     = common.HexToAddress("0x3333333333333333333333333333333333333333")
	jobsAddr  = common.HexToAddress("0x000000000000000000000000000000000000a001")
	execsAddr = common.HexToAddress("0x000000000000000000000000000000000000a002")
)

type SubscribeManagerTestSuite struct {
	suite.Suite
	ctx    context.Context
	cancel context.CancelFunc
	src    *testutil.FakeSource
	sm     *Manager
}

func TestSubscribeManagerTestSuite(t *testing.T) {
	suite.Run(t, new(SubscribeManagerTestSuite))
}

func (suite *SubscribeManagerTestSuite) SetupTest() {
	suite.ctx, suite.cancel = context.WithCancel(context.Background())
	suite.src = testutil.NewFakeSource()
	suite.sm = NewManager(state.Identity{
		Address:           self,
		JobsContract:      jobsAddr,
		ExecutorsContract: execsAddr,
	}, 8)
}

func (suite *SubscribeManagerTestSuite) TearDownTest() {
	suite.cancel()
}

func (suite *SubscribeManagerTestSuite) receive(s *Stream) ethtypes.Log {
	select {
	case vLog, ok := <-s.Logs():
		suite.Require().True(ok, "stream closed")
		return vLog
	case <-time.After(time.Second):
		suite.FailNow("no log received")
	}
	return ethtypes.Log{}
}

func (suite *SubscribeManagerTestSuite) requireClosed(s *Stream) {
	suite.Require().Eventually(func() bool {
		select {
		case _, ok := <-s.Logs():
			return !ok
		default:
			return false
		}
	}, time.Second, 5*time.Millisecond)
}

func (suite *SubscribeManagerTestSuite) TestFilters() {
	q := RegistrationFilter(execsAddr, self, owner, 100)
	suite.Equal(big.NewInt(100), q.FromBlock)
	suite.Nil(q.ToBlock)
	suite.Equal([]common.Address{execsAddr}, q.Addresses)
	suite.Equal([][]common.Hash{
		{types.ExecutorRegisteredTopic},
		{common.BytesToHash(self.Bytes())},
		{common.BytesToHash(owner.Bytes())},
	}, q.Topics)

	q = JobsFilter(jobsAddr, 150)
	suite.Equal(big.NewInt(150), q.FromBlock)
	suite.Equal([]common.Address{jobsAddr}, q.Addresses)
	suite.Equal([][]common.Hash{{types.JobCreatedTopic, types.JobRespondedTopic}}, q.Topics)

	q = DeregistrationFilter(execsAddr, self, 150)
	suite.Equal(big.NewInt(150), q.FromBlock)
	suite.Equal([][]common.Hash{
		{types.ExecutorDeregisteredTopic},
		{common.BytesToHash(self.Bytes())},
	}, q.Topics)
}

func (suite *SubscribeManagerTestSuite) TestSubscribeRegistration() {
	stream, err := suite.sm.SubscribeRegistration(suite.ctx, suite.src, owner, 100)
	suite.Require().NoError(err)
	suite.Equal("registration", stream.Name())

	feed := suite.src.FeedFor(types.ExecutorRegisteredTopic)
	suite.Require().NotNil(feed)
	suite.Equal(big.NewInt(100), feed.Query.FromBlock)

	sent := testutil.RegisteredLog(execsAddr, self, owner, 120)
	suite.Require().NoError(feed.Send(sent))
	suite.Equal(sent, suite.receive(stream))

	stream.Unsubscribe()
	stream.Unsubscribe()
	suite.True(feed.Sub.Unsubscribed())
	suite.requireClosed(stream)
}

func (suite *SubscribeManagerTestSuite) TestStreamEndsWithSubscription() {
	stream, err := suite.sm.SubscribeRegistration(suite.ctx, suite.src, owner, 0)
	suite.Require().NoError(err)

	feed := suite.src.FeedFor(types.ExecutorRegisteredTopic)
	first := testutil.RegisteredLog(execsAddr, self, owner, 1)
	second := testutil.RegisteredLog(execsAddr, self, owner, 2)
	suite.Require().NoError(feed.Send(first, second))
	feed.Fail(errors.New("connection reset"))

	// logs buffered before the failure are still delivered
	suite.Equal(first, suite.receive(stream))
	suite.Equal(second, suite.receive(stream))
	suite.requireClosed(stream)
	suite.EqualError(stream.Err(), "connection reset")
}

func (suite *SubscribeManagerTestSuite) TestStreamEndsWithContext() {
	ctx, cancel := context.WithCancel(suite.ctx)
	stream, err := suite.sm.SubscribeRegistration(ctx, suite.src, owner, 0)
	suite.Require().NoError(err)

	cancel()
	suite.requireClosed(stream)
	suite.True(suite.src.FeedFor(types.ExecutorRegisteredTopic).Sub.Unsubscribed())
	suite.NoError(stream.Err())
}

func (suite *SubscribeManagerTestSuite) TestSubscribeEvents() {
	jobs, dereg, err := suite.sm.SubscribeEvents(suite.ctx, suite.src, 150)
	suite.Require().NoError(err)

	jobsFeed := suite.src.FeedFor(types.JobCreatedTopic)
	derFeed := suite.src.FeedFor(types.ExecutorDeregisteredTopic)
	suite.Require().NotNil(jobsFeed)
	suite.Require().NotNil(derFeed)
	suite.Equal(big.NewInt(150), jobsFeed.Query.FromBlock)
	suite.Equal(big.NewInt(150), derFeed.Query.FromBlock)

	created := testutil.JobCreatedLog(jobsAddr, 42, 151, 1000, self)
	suite.Require().NoError(jobsFeed.Send(created))
	suite.Equal(created, suite.receive(jobs))

	deregistered := testutil.DeregisteredLog(execsAddr, self, 152)
	suite.Require().NoError(derFeed.Send(deregistered))
	suite.Equal(deregistered, suite.receive(dereg))

	jobsFeed.End()
	suite.requireClosed(jobs)
	suite.NoError(jobs.Err())
}

func (suite *SubscribeManagerTestSuite) TestSubscribeEvents_SecondFailureTearsDownFirst() {
	suite.src.FailSubscribe = func(q ethereum.FilterQuery) error {
		if q.Topics[0][0] == types.ExecutorDeregisteredTopic {
			return errors.New("too many subscriptions")
		}
		return nil
	}

	jobs, dereg, err := suite.sm.SubscribeEvents(suite.ctx, suite.src, 0)
	suite.Require().ErrorIs(err, types.ErrSubscribe)
	suite.Nil(jobs)
	suite.Nil(dereg)

	feed := suite.src.FeedFor(types.JobCreatedTopic)
	suite.Require().NotNil(feed)
	suite.True(feed.Sub.Unsubscribed())
}

func (suite *SubscribeManagerTestSuite) TestSubscribeRegistration_Failure() {
	suite.src.FailSubscribe = func(ethereum.FilterQuery) error { return errors.New("boom") }

	_, err := suite.sm.SubscribeRegistration(suite.ctx, suite.src, owner, 0)
	suite.Require().ErrorIs(err, types.ErrSubscribe)
}

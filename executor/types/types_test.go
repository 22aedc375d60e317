package types_test

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/suite"

	"github.com/GPTx-global/executor/executor/types"
)

type TypesTestSuite struct {
	suite.Suite
	self  common.Address
	other common.Address
}

func TestTypesTestSuite(t *testing.T) {
	suite.Run(t, new(TypesTestSuite))
}

func (suite *TypesTestSuite) SetupTest() {
	suite.self = common.HexToAddress("0x1111111111111111111111111111111111111111")
	suite.other = common.HexToAddress("0x2222222222222222222222222222222222222222")
}

func (suite *TypesTestSuite) jobCreatedLog(id int64, selected []common.Address, deadline *big.Int) ethtypes.Log {
	var codeHash [32]byte
	copy(codeHash[:], crypto.Keccak256([]byte("code")))

	data, err := types.EncodeJobCreatedData(codeHash, []byte("inputs"), deadline, selected)
	suite.Require().NoError(err)

	return ethtypes.Log{
		Topics: []common.Hash{
			types.JobCreatedTopic,
			common.BigToHash(big.NewInt(id)),
			common.BytesToHash(suite.other.Bytes()),
		},
		Data:        data,
		BlockNumber: 10,
	}
}

func (suite *TypesTestSuite) TestTopics() {
	suite.Equal(crypto.Keccak256Hash([]byte("JobCreated(uint256,address,bytes32,bytes,uint256,address[])")), types.JobCreatedTopic)
	suite.Equal(crypto.Keccak256Hash([]byte("JobResponded(uint256,bytes,uint256,uint8,uint8)")), types.JobRespondedTopic)
	suite.Equal(crypto.Keccak256Hash([]byte("ExecutorRegistered(address,address,uint256)")), types.ExecutorRegisteredTopic)
	suite.Equal(crypto.Keccak256Hash([]byte("ExecutorDeregistered(address)")), types.ExecutorDeregisteredTopic)
}

func (suite *TypesTestSuite) TestKindOf() {
	suite.Equal(types.JobCreatedEvent, types.KindOf(ethtypes.Log{Topics: []common.Hash{types.JobCreatedTopic}}))
	suite.Equal(types.JobRespondedEvent, types.KindOf(ethtypes.Log{Topics: []common.Hash{types.JobRespondedTopic}}))
	suite.Equal(types.UnknownEvent, types.KindOf(ethtypes.Log{Topics: []common.Hash{types.ExecutorRegisteredTopic}}))
	suite.Equal(types.UnknownEvent, types.KindOf(ethtypes.Log{}))
}

func (suite *TypesTestSuite) TestDecodeJobCreated() {
	vLog := suite.jobCreatedLog(42, []common.Address{suite.other, suite.self}, big.NewInt(1_700_000_060))

	event, err := types.DecodeJobCreated(vLog)
	suite.Require().NoError(err)

	suite.Equal(int64(42), event.ID.Int64())
	suite.Equal([]byte("inputs"), event.CodeInputs)
	suite.Equal(uint64(1_700_000_060), event.Deadline)
	suite.Len(event.SelectedExecutors, 2)
	suite.True(event.IsSelected(suite.self))
	suite.Equal(common.BytesToHash(crypto.Keccak256([]byte("code"))).Hex(), event.CodeHashHex())
	suite.Regexp("^0x[0-9a-f]{64}$", event.CodeHashHex())

	job := event.Job()
	suite.Equal(event.CodeHashHex(), job.CodeHash)
	suite.Equal(uint64(1_700_000_060), job.Deadline)
	suite.Equal(0, job.ID.Cmp(event.ID))
}

func (suite *TypesTestSuite) TestIsSelected_IgnoresZeroEntries() {
	event := &types.JobCreated{SelectedExecutors: []common.Address{{}, suite.other}}

	suite.False(event.IsSelected(suite.self))
	suite.False(event.IsSelected(common.Address{}))
	suite.True(event.IsSelected(suite.other))
}

func (suite *TypesTestSuite) TestDecodeJobCreated_Failures() {
	testCases := []struct {
		name   string
		mutate func(vLog *ethtypes.Log)
	}{
		{
			name: "missing job id topic",
			mutate: func(vLog *ethtypes.Log) {
				vLog.Topics = vLog.Topics[:1]
			},
		},
		{
			name: "truncated address array",
			mutate: func(vLog *ethtypes.Log) {
				vLog.Data = vLog.Data[:len(vLog.Data)-16]
			},
		},
		{
			name: "empty data",
			mutate: func(vLog *ethtypes.Log) {
				vLog.Data = nil
			},
		},
	}

	for _, tc := range testCases {
		suite.Run(tc.name, func() {
			vLog := suite.jobCreatedLog(1, []common.Address{suite.self}, big.NewInt(100))
			tc.mutate(&vLog)

			event, err := types.DecodeJobCreated(vLog)
			suite.Nil(event)
			suite.ErrorIs(err, types.ErrDecodeLog)
		})
	}
}

func (suite *TypesTestSuite) TestDecodeJobCreated_DeadlineOverflow() {
	deadline := new(big.Int).Lsh(big.NewInt(1), 70)
	vLog := suite.jobCreatedLog(1, []common.Address{suite.self}, deadline)

	_, err := types.DecodeJobCreated(vLog)
	suite.ErrorIs(err, types.ErrDecodeLog)
}

func (suite *TypesTestSuite) TestDecodeJobResponded() {
	data, err := types.EncodeJobRespondedData([]byte("out"), big.NewInt(120), 0, 3)
	suite.Require().NoError(err)

	event, err := types.DecodeJobResponded(ethtypes.Log{
		Topics: []common.Hash{types.JobRespondedTopic, common.BigToHash(big.NewInt(42))},
		Data:   data,
	})
	suite.Require().NoError(err)
	suite.Equal(int64(42), event.ID.Int64())
	suite.Equal(uint8(3), event.OutputCount)
	suite.Equal(int64(120), event.TotalTime.Int64())
	suite.Equal([]byte("out"), event.Output)

	_, err = types.DecodeJobResponded(ethtypes.Log{
		Topics: []common.Hash{types.JobRespondedTopic, common.BigToHash(big.NewInt(42))},
		Data:   data[:40],
	})
	suite.ErrorIs(err, types.ErrDecodeLog)
}

func (suite *TypesTestSuite) TestCalls() {
	out := &types.ExecutionOutput{
		JobID:         big.NewInt(9),
		Signature:     []byte{0x01},
		Output:        []byte("result"),
		TotalTime:     250,
		ErrorCode:     1,
		SignTimestamp: 1_700_000_000,
	}

	call := types.SubmitOutputCall(out)
	suite.Equal(types.SubmitOutputMethod, call.Method)
	suite.Len(call.Args, 6)
	suite.Equal([]byte{0x01}, call.Args[0])
	suite.Equal(uint8(1), call.Args[4])

	slash := types.SlashTimeoutCall(big.NewInt(7))
	suite.Equal(types.SlashOnExecutionTimeoutMethod, slash.Method)
	suite.Equal([]interface{}{big.NewInt(7)}, slash.Args)
}

func (suite *TypesTestSuite) TestOutcomes() {
	id := big.NewInt(5)
	timeout := types.NewTimeoutOutcome(id)
	id.SetInt64(6)

	suite.Nil(timeout.Output)
	suite.Equal(int64(5), timeout.Timeout.Int64())

	output := types.NewOutputOutcome(&types.ExecutionOutput{JobID: big.NewInt(1)})
	suite.Nil(output.Timeout)
	suite.NotNil(output.Output)
}

func (suite *TypesTestSuite) TestOutputDigest() {
	out := &types.ExecutionOutput{
		JobID:         big.NewInt(42),
		Output:        []byte("result"),
		TotalTime:     1500,
		ErrorCode:     1,
		SignTimestamp: 1700000000,
	}

	digest, err := out.Digest()
	suite.Require().NoError(err)
	suite.Len(digest, 32)

	again, err := out.Digest()
	suite.Require().NoError(err)
	suite.Equal(digest, again)

	out.ErrorCode = 2
	changed, err := out.Digest()
	suite.Require().NoError(err)
	suite.NotEqual(digest, changed)
}

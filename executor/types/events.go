package types

import (
	"math/big"

	errorsmod "cosmossdk.io/errors"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

// Canonical event signatures emitted by the Executors and Jobs contracts.
const (
	ExecutorRegisteredSig   = "ExecutorRegistered(address,address,uint256)"
	ExecutorDeregisteredSig = "ExecutorDeregistered(address)"
	JobCreatedSig           = "JobCreated(uint256,address,bytes32,bytes,uint256,address[])"
	JobRespondedSig         = "JobResponded(uint256,bytes,uint256,uint8,uint8)"
)

var (
	ExecutorRegisteredTopic   = crypto.Keccak256Hash([]byte(ExecutorRegisteredSig))
	ExecutorDeregisteredTopic = crypto.Keccak256Hash([]byte(ExecutorDeregisteredSig))
	JobCreatedTopic           = crypto.Keccak256Hash([]byte(JobCreatedSig))
	JobRespondedTopic         = crypto.Keccak256Hash([]byte(JobRespondedSig))
)

// non-indexed fields only; ids and addresses travel in topics
var (
	jobCreatedArgs   = mustArguments("bytes32", "bytes", "uint256", "address[]")
	jobRespondedArgs = mustArguments("bytes", "uint256", "uint8", "uint8")
)

type EventKind byte

const (
	UnknownEvent EventKind = iota
	JobCreatedEvent
	JobRespondedEvent
)

func (k EventKind) String() string {
	switch k {
	case JobCreatedEvent:
		return "JobCreated"
	case JobRespondedEvent:
		return "JobResponded"
	default:
		return "Unknown"
	}
}

// KindOf classifies a Jobs contract log by its first topic.
func KindOf(vLog ethtypes.Log) EventKind {
	if len(vLog.Topics) == 0 {
		return UnknownEvent
	}

	switch vLog.Topics[0] {
	case JobCreatedTopic:
		return JobCreatedEvent
	case JobRespondedTopic:
		return JobRespondedEvent
	default:
		return UnknownEvent
	}
}

// JobCreated is a decoded JobCreated event.
type JobCreated struct {
	ID                *big.Int
	CodeHash          [32]byte
	CodeInputs        []byte
	Deadline          uint64
	SelectedExecutors []common.Address
}

// CodeHashHex returns the code hash as a 0x-prefixed lowercase hex string.
func (e *JobCreated) CodeHashHex() string {
	return hexutil.Encode(e.CodeHash[:])
}

// IsSelected reports whether addr is one of the selected executors. Zero entries are ignored.
func (e *JobCreated) IsSelected(addr common.Address) bool {
	for _, selected := range e.SelectedExecutors {
		if selected == (common.Address{}) {
			continue
		}
		if selected == addr {
			return true
		}
	}

	return false
}

// Job converts the event into the unit of work handed to the job executor.
func (e *JobCreated) Job() Job {
	return Job{
		ID:         new(big.Int).Set(e.ID),
		CodeHash:   e.CodeHashHex(),
		CodeInputs: e.CodeInputs,
		Deadline:   e.Deadline,
	}
}

// JobResponded is a decoded JobResponded event.
type JobResponded struct {
	ID          *big.Int
	Output      []byte
	TotalTime   *big.Int
	ErrorCode   uint8
	OutputCount uint8
}

// DecodeJobCreated decodes a JobCreated log. Nothing is returned unless every field decodes.
func DecodeJobCreated(vLog ethtypes.Log) (*JobCreated, error) {
	id, err := indexedJobID(vLog, JobCreatedSig)
	if err != nil {
		return nil, err
	}

	values, err := jobCreatedArgs.Unpack(vLog.Data)
	if err != nil {
		return nil, errorsmod.Wrapf(ErrDecodeLog, "'JobCreated' event data %s: %v", hexutil.Encode(vLog.Data), err)
	}

	codeHash, ok := values[0].([32]byte)
	if !ok {
		return nil, errorsmod.Wrapf(ErrDecodeLog, "codeHash token from the 'JobCreated' event data: %v", values[0])
	}

	codeInputs, ok := values[1].([]byte)
	if !ok {
		return nil, errorsmod.Wrapf(ErrDecodeLog, "codeInputs token from the 'JobCreated' event data: %v", values[1])
	}

	deadline, ok := values[2].(*big.Int)
	if !ok || !deadline.IsUint64() {
		return nil, errorsmod.Wrapf(ErrDecodeLog, "deadline token from the 'JobCreated' event data: %v", values[2])
	}

	selected, ok := values[3].([]common.Address)
	if !ok {
		return nil, errorsmod.Wrapf(ErrDecodeLog, "selectedExecutors token from the 'JobCreated' event data: %v", values[3])
	}

	return &JobCreated{
		ID:                id,
		CodeHash:          codeHash,
		CodeInputs:        codeInputs,
		Deadline:          deadline.Uint64(),
		SelectedExecutors: selected,
	}, nil
}

// DecodeJobResponded decodes a JobResponded log.
func DecodeJobResponded(vLog ethtypes.Log) (*JobResponded, error) {
	id, err := indexedJobID(vLog, JobRespondedSig)
	if err != nil {
		return nil, err
	}

	values, err := jobRespondedArgs.Unpack(vLog.Data)
	if err != nil {
		return nil, errorsmod.Wrapf(ErrDecodeLog, "'JobResponded' event data %s: %v", hexutil.Encode(vLog.Data), err)
	}

	output, ok := values[0].([]byte)
	if !ok {
		return nil, errorsmod.Wrapf(ErrDecodeLog, "output token from the 'JobResponded' event data: %v", values[0])
	}

	totalTime, ok := values[1].(*big.Int)
	if !ok {
		return nil, errorsmod.Wrapf(ErrDecodeLog, "totalTime token from the 'JobResponded' event data: %v", values[1])
	}

	errorCode, ok := values[2].(uint8)
	if !ok {
		return nil, errorsmod.Wrapf(ErrDecodeLog, "errorCode token from the 'JobResponded' event data: %v", values[2])
	}

	outputCount, ok := values[3].(uint8)
	if !ok {
		return nil, errorsmod.Wrapf(ErrDecodeLog, "outputCount token from the 'JobResponded' event data: %v", values[3])
	}

	return &JobResponded{
		ID:          id,
		Output:      output,
		TotalTime:   totalTime,
		ErrorCode:   errorCode,
		OutputCount: outputCount,
	}, nil
}

func indexedJobID(vLog ethtypes.Log, sig string) (*big.Int, error) {
	if len(vLog.Topics) < 2 {
		return nil, errorsmod.Wrapf(ErrDecodeLog, "'%s' log has %d topics, job id missing", sig, len(vLog.Topics))
	}

	return new(big.Int).SetBytes(vLog.Topics[1].Bytes()), nil
}

func mustArguments(kinds ...string) abi.Arguments {
	args := make(abi.Arguments, 0, len(kinds))
	for _, kind := range kinds {
		t, err := abi.NewType(kind, "", nil)
		if err != nil {
			panic(err)
		}
		args = append(args, abi.Argument{Type: t})
	}

	return args
}

// EncodeJobCreatedData packs the non-indexed JobCreated fields. Used to build logs in tests
// and tooling.
func EncodeJobCreatedData(codeHash [32]byte, codeInputs []byte, deadline *big.Int, selected []common.Address) ([]byte, error) {
	return jobCreatedArgs.Pack(codeHash, codeInputs, deadline, selected)
}

// EncodeJobRespondedData packs the non-indexed JobResponded fields.
func EncodeJobRespondedData(output []byte, totalTime *big.Int, errorCode, outputCount uint8) ([]byte, error) {
	return jobRespondedArgs.Pack(output, totalTime, errorCode, outputCount)
}

package types

import (
	"math/big"

	"github.com/ethereum/go-ethereum/crypto"
)

// Job is a single execution request handed to the job executor.
type Job struct {
	ID         *big.Int
	CodeHash   string // 0x-prefixed lowercase hex
	CodeInputs []byte
	Deadline   uint64 // absolute, chain time unit (unix seconds)
}

// ExecutionOutput is a signed execution result destined for the submitOutput call.
type ExecutionOutput struct {
	JobID         *big.Int
	Signature     []byte
	Output        []byte
	TotalTime     uint64
	ErrorCode     uint8
	SignTimestamp uint64
}

var outputDigestArgs = mustArguments("uint256", "bytes", "uint256", "uint8", "uint256")

// Digest returns keccak256(abi.encode(jobId, output, totalTime, errorCode, signTimestamp)),
// the message signed by the executor.
func (out *ExecutionOutput) Digest() ([]byte, error) {
	encoded, err := outputDigestArgs.Pack(
		out.JobID,
		out.Output,
		new(big.Int).SetUint64(out.TotalTime),
		out.ErrorCode,
		new(big.Int).SetUint64(out.SignTimestamp),
	)
	if err != nil {
		return nil, err
	}

	return crypto.Keccak256(encoded), nil
}

// JobOutcome carries exactly one of an execution output or a timed out job id.
type JobOutcome struct {
	Output  *ExecutionOutput
	Timeout *big.Int
}

func NewOutputOutcome(out *ExecutionOutput) JobOutcome {
	return JobOutcome{Output: out}
}

func NewTimeoutOutcome(id *big.Int) JobOutcome {
	return JobOutcome{Timeout: new(big.Int).Set(id)}
}

// Jobs contract methods called by the node.
const (
	SubmitOutputMethod            = "submitOutput"
	SlashOnExecutionTimeoutMethod = "slashOnExecutionTimeout"
)

// Call is a prepared chain call: a Jobs contract method and its arguments in ABI order.
type Call struct {
	Method string
	Args   []interface{}
}

// SubmitOutputCall builds submitOutput(signature, jobId, output, totalTime, errorCode, signTimestamp).
func SubmitOutputCall(out *ExecutionOutput) Call {
	return Call{
		Method: SubmitOutputMethod,
		Args: []interface{}{
			out.Signature,
			new(big.Int).Set(out.JobID),
			out.Output,
			new(big.Int).SetUint64(out.TotalTime),
			out.ErrorCode,
			new(big.Int).SetUint64(out.SignTimestamp),
		},
	}
}

// SlashTimeoutCall builds slashOnExecutionTimeout(jobId).
func SlashTimeoutCall(id *big.Int) Call {
	return Call{
		Method: SlashOnExecutionTimeoutMethod,
		Args:   []interface{}{new(big.Int).Set(id)},
	}
}

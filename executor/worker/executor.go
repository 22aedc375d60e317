package worker

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"io"
	"math"
	"net/http"
	"time"

	errorsmod "cosmossdk.io/errors"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/GPTx-global/executor/executor/log"
	"github.com/GPTx-global/executor/executor/metrics"
	"github.com/GPTx-global/executor/executor/types"
)

const maxResponseSize = 4 << 20

// ExecutorConfig is the [executor] sandbox part of the config file.
type ExecutorConfig struct {
	Endpoint     string
	CodeContract common.Address
	Capacity     int
	Timeout      time.Duration
}

// Executor runs selected jobs in the sandbox and signs their output with the node key.
// At most Capacity jobs run at once.
type Executor struct {
	endpoint     string
	codeContract common.Address
	key          *ecdsa.PrivateKey
	slots        chan struct{}
	client       *http.Client
	now          func() time.Time
}

func NewExecutor(cfg ExecutorConfig, key *ecdsa.PrivateKey) *Executor {
	if cfg.Capacity <= 0 {
		cfg.Capacity = 1
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}

	return &Executor{
		endpoint:     cfg.Endpoint,
		codeContract: cfg.CodeContract,
		key:          key,
		slots:        make(chan struct{}, cfg.Capacity),
		client:       newSandboxClient(cfg.Timeout),
		now:          time.Now,
	}
}

// Execute runs job and sends its signed output. Failures are logged and nothing is sent.
func (e *Executor) Execute(ctx context.Context, job types.Job, out chan<- types.JobOutcome) {
	release, err := e.acquire(ctx, job)
	if err != nil {
		log.Warnf("job %s not executed: %v", job.ID, err)
		return
	}
	defer release()

	start := e.now()
	result, err := e.run(ctx, job)
	if err != nil {
		log.Errorf("job %s execution failed: %v", job.ID, err)
		return
	}
	metrics.MeasureExecution(start)

	result.SignTimestamp = uint64(e.now().Unix())
	if err := e.sign(result); err != nil {
		log.Errorf("failed to sign output of job %s: %v", job.ID, err)
		return
	}

	log.Infof("job %s executed in %d ms, error code %d", job.ID, result.TotalTime, result.ErrorCode)

	select {
	case out <- types.NewOutputOutcome(result):
	case <-ctx.Done():
	}
}

// acquire takes a capacity slot, giving up at the job deadline.
func (e *Executor) acquire(ctx context.Context, job types.Job) (func(), error) {
	release := func() { <-e.slots }

	select {
	case e.slots <- struct{}{}:
		return release, nil
	default:
	}

	wait := time.Until(time.Unix(int64(min(job.Deadline, math.MaxInt64/2)), 0))
	if wait <= 0 {
		return nil, errorsmod.Wrapf(types.ErrNoCapacity, "deadline %d passed", job.Deadline)
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case e.slots <- struct{}{}:
		return release, nil
	case <-timer.C:
		return nil, errorsmod.Wrapf(types.ErrNoCapacity, "no slot freed before deadline %d", job.Deadline)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (e *Executor) run(ctx context.Context, job types.Job) (*types.ExecutionOutput, error) {
	body, err := requestBody(job, e.codeContract)
	if err != nil {
		return nil, errorsmod.Wrapf(types.ErrSandbox, "request body: %v", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, errorsmod.Wrapf(types.ErrSandbox, "request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	res, err := e.client.Do(req)
	if err != nil {
		return nil, errorsmod.Wrapf(types.ErrSandbox, "%s: %v", e.endpoint, err)
	}
	defer res.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(res.Body, maxResponseSize))
	if err != nil {
		return nil, errorsmod.Wrapf(types.ErrSandbox, "read response: %v", err)
	}

	if res.StatusCode != http.StatusOK {
		return nil, errorsmod.Wrapf(types.ErrSandbox, "unexpected status %s: %s", res.Status, raw)
	}

	return parseResponse(job, raw)
}

func requestBody(job types.Job, codeContract common.Address) ([]byte, error) {
	body := []byte(`{}`)

	fields := []struct {
		path  string
		value interface{}
	}{
		{"job_id", job.ID.String()},
		{"code_hash", job.CodeHash},
		{"code_inputs", hexutil.Encode(job.CodeInputs)},
		{"deadline", job.Deadline},
		{"code_contract", codeContract.Hex()},
	}

	var err error
	for _, f := range fields {
		body, err = sjson.SetBytes(body, f.path, f.value)
		if err != nil {
			return nil, err
		}
	}

	return body, nil
}

// parseResponse reads {"output": "0x..", "total_time": ms, "error_code": n}.
func parseResponse(job types.Job, raw []byte) (*types.ExecutionOutput, error) {
	if !gjson.ValidBytes(raw) {
		return nil, errorsmod.Wrapf(types.ErrSandbox, "invalid JSON response: %s", raw)
	}

	res := gjson.ParseBytes(raw)

	outputField := res.Get("output")
	if !outputField.Exists() {
		return nil, errorsmod.Wrap(types.ErrSandbox, "output missing from response")
	}
	output, err := hexutil.Decode(outputField.String())
	if err != nil {
		return nil, errorsmod.Wrapf(types.ErrSandbox, "output %q: %v", outputField.String(), err)
	}

	errorCode := res.Get("error_code").Uint()
	if errorCode > math.MaxUint8 {
		return nil, errorsmod.Wrapf(types.ErrSandbox, "error code %d out of range", errorCode)
	}

	return &types.ExecutionOutput{
		JobID:     job.ID,
		Output:    output,
		TotalTime: res.Get("total_time").Uint(),
		ErrorCode: uint8(errorCode),
	}, nil
}

func (e *Executor) sign(out *types.ExecutionOutput) error {
	digest, err := out.Digest()
	if err != nil {
		return err
	}

	sig, err := crypto.Sign(digest, e.key)
	if err != nil {
		return err
	}
	sig[crypto.RecoveryIDOffset] += 27

	out.Signature = sig
	return nil
}

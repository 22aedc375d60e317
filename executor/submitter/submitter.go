package submitter

import (
	"context"
	"crypto/ecdsa"
	"math/big"
	"strings"
	"time"

	errorsmod "cosmossdk.io/errors"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"

	"github.com/GPTx-global/executor/executor/log"
	"github.com/GPTx-global/executor/executor/types"
)

// JobsABI covers the Jobs contract methods called by the node.
const JobsABI = `[
  {"type":"function","name":"submitOutput","stateMutability":"nonpayable","outputs":[],"inputs":[
    {"name":"signature","type":"bytes"},
    {"name":"jobId","type":"uint256"},
    {"name":"output","type":"bytes"},
    {"name":"totalTime","type":"uint256"},
    {"name":"errorCode","type":"uint8"},
    {"name":"signTimestamp","type":"uint256"}]},
  {"type":"function","name":"slashOnExecutionTimeout","stateMutability":"nonpayable","outputs":[],"inputs":[
    {"name":"jobId","type":"uint256"}]}
]`

const defaultConfirmTimeout = 2 * time.Minute

// Backend is the chain client used to send transactions and wait for their receipts.
// *ethclient.Client satisfies it.
type Backend interface {
	bind.ContractBackend
	bind.DeployBackend
}

// Config tunes transaction submission.
type Config struct {
	GasLimit       uint64        // 0 estimates gas per call
	ConfirmTimeout time.Duration // how long to wait for a receipt
}

// Submitter signs Jobs contract calls with the node key, broadcasts them and waits until
// they are mined. It is not safe for concurrent use; the transaction manager serializes
// calls into it.
type Submitter struct {
	backend  Backend
	contract *bind.BoundContract
	abi      abi.ABI
	auth     *bind.TransactOpts
	cfg      Config
}

// New binds the Jobs contract at jobs and prepares a keyed transactor for chainID.
func New(backend Backend, jobs common.Address, key *ecdsa.PrivateKey, chainID *big.Int, cfg Config) (*Submitter, error) {
	parsed, err := abi.JSON(strings.NewReader(JobsABI))
	if err != nil {
		return nil, errorsmod.Wrapf(types.ErrInvalidConfig, "jobs ABI: %v", err)
	}

	auth, err := bind.NewKeyedTransactorWithChainID(key, chainID)
	if err != nil {
		return nil, errorsmod.Wrapf(types.ErrInvalidKey, "transactor for chain %s: %v", chainID, err)
	}

	if cfg.ConfirmTimeout <= 0 {
		cfg.ConfirmTimeout = defaultConfirmTimeout
	}

	return &Submitter{
		backend:  backend,
		contract: bind.NewBoundContract(jobs, parsed, backend, backend, backend),
		abi:      parsed,
		auth:     auth,
		cfg:      cfg,
	}, nil
}

// From returns the address transactions are sent from.
func (s *Submitter) From() common.Address {
	return s.auth.From
}

// Pack returns the calldata of call without sending it.
func (s *Submitter) Pack(call types.Call) ([]byte, error) {
	return s.abi.Pack(call.Method, call.Args...)
}

// Send broadcasts call and blocks until the transaction is mined or the confirmation
// timeout passes. A reverted transaction is reported as ErrTxFailed.
func (s *Submitter) Send(ctx context.Context, call types.Call) error {
	opts := *s.auth
	opts.Context = ctx
	opts.GasLimit = s.cfg.GasLimit

	input, err := s.Pack(call)
	if err != nil {
		return errorsmod.Wrapf(types.ErrTxFailed, "pack %s: %v", call.Method, err)
	}

	tx, err := s.contract.RawTransact(&opts, input)
	if err != nil {
		return errorsmod.Wrapf(types.ErrTxFailed, "%s: %v", call.Method, err)
	}

	log.Debugf("%s transaction %s broadcast, nonce %d", call.Method, tx.Hash().Hex(), tx.Nonce())

	waitCtx, cancel := context.WithTimeout(ctx, s.cfg.ConfirmTimeout)
	defer cancel()

	receipt, err := bind.WaitMined(waitCtx, s.backend, tx)
	if err != nil {
		return errorsmod.Wrapf(types.ErrTxFailed, "%s transaction %s not mined: %v", call.Method, tx.Hash().Hex(), err)
	}

	if receipt.Status != ethtypes.ReceiptStatusSuccessful {
		return errorsmod.Wrapf(types.ErrTxFailed, "%s transaction %s reverted in block %s", call.Method, tx.Hash().Hex(), receipt.BlockNumber)
	}

	log.Debugf("%s transaction %s mined in block %s, gas used %d", call.Method, tx.Hash().Hex(), receipt.BlockNumber, receipt.GasUsed)

	return nil
}

package types

import (
	errorsmod "cosmossdk.io/errors"
)

// ModuleName is the codespace of every error registered by the executor node.
const ModuleName = "executor"

// errors
var (
	ErrDecodeLog      = errorsmod.Register(ModuleName, 2, "failed to decode event log")
	ErrConnect        = errorsmod.Register(ModuleName, 3, "failed to connect to the chain")
	ErrSubscribe      = errorsmod.Register(ModuleName, 4, "failed to subscribe to event logs")
	ErrListenerActive = errorsmod.Register(ModuleName, 5, "events listener already active")
	ErrInvalidConfig  = errorsmod.Register(ModuleName, 6, "invalid configuration")
	ErrTxFailed       = errorsmod.Register(ModuleName, 7, "transaction failed")
	ErrSandbox        = errorsmod.Register(ModuleName, 8, "sandbox execution failed")
	ErrNoCapacity     = errorsmod.Register(ModuleName, 9, "no execution capacity available")
	ErrInvalidKey     = errorsmod.Register(ModuleName, 10, "invalid signing key")
)

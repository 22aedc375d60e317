package daemon

import (
	"context"
	"errors"
	"math/big"
	"sync/atomic"
	"time"

	errorsmod "cosmossdk.io/errors"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/GPTx-global/executor/executor/config"
	"github.com/GPTx-global/executor/executor/health"
	"github.com/GPTx-global/executor/executor/log"
	"github.com/GPTx-global/executor/executor/metrics"
	"github.com/GPTx-global/executor/executor/monitor"
	"github.com/GPTx-global/executor/executor/retry"
	"github.com/GPTx-global/executor/executor/scheduler"
	"github.com/GPTx-global/executor/executor/state"
	"github.com/GPTx-global/executor/executor/store"
	"github.com/GPTx-global/executor/executor/submitter"
	"github.com/GPTx-global/executor/executor/subscribe"
	"github.com/GPTx-global/executor/executor/tx"
	"github.com/GPTx-global/executor/executor/types"
	"github.com/GPTx-global/executor/executor/worker"
)

const (
	healthInterval = 15 * time.Second
	drainTimeout   = 30 * time.Second
)

// Components are the collaborators of a Daemon. New builds them from the config file;
// tests provide their own.
type Components struct {
	Identity   state.Identity
	Owner      common.Address
	StartBlock uint64

	Dialer   subscribe.Dialer
	Backoff  retry.Strategy
	Sender   tx.Sender
	Executor monitor.JobRunner
	Store    *store.CursorStore

	ExecutionBuffer  time.Duration
	OutcomeQueueSize int
	StreamBuffer     int

	OpsAddr  string
	RPCCheck func(ctx context.Context) error
	Closers  []func()
}

type Daemon struct {
	ctx    context.Context
	cancel context.CancelFunc

	state    *state.NodeState
	dial     subscribe.Dialer
	backoff  retry.Strategy
	subs     *subscribe.Manager
	monitor  *monitor.Monitor
	tasks    *scheduler.TaskGroup
	txm      *tx.TxManager
	store    *store.CursorStore
	checker  *health.HealthChecker
	ops      *health.Server
	closers  []func()
	started  atomic.Bool
	stopped  atomic.Bool

	senderCtx      context.Context
	senderCancel   context.CancelFunc
	listenerDone   chan struct{}
	dispatcherDone chan struct{}
}

// New wires a daemon for cfg: signing key, cursor store, chain clients, sandbox executor
// and transaction submitter.
func New(ctx context.Context, cfg config.Config) (*Daemon, error) {
	key, err := cfg.LoadKey()
	if err != nil {
		return nil, err
	}

	backoff, err := retry.FromConfig(cfg.RetryConfig())
	if err != nil {
		return nil, err
	}

	identity := state.Identity{
		Address:           crypto.PubkeyToAddress(key.PublicKey),
		Key:               key,
		JobsContract:      cfg.JobsContract(),
		ExecutorsContract: cfg.ExecutorsContract(),
		Quorum:            cfg.Executor.NumSelectedExecutors,
	}

	client, err := ethclient.DialContext(ctx, cfg.Chain.HTTPEndpoint)
	if err != nil {
		return nil, errorsmod.Wrapf(types.ErrConnect, "%s: %v", cfg.Chain.HTTPEndpoint, err)
	}

	sender, err := submitter.New(client, identity.JobsContract, key, new(big.Int).SetUint64(cfg.Chain.ID), submitter.Config{
		GasLimit:       cfg.Chain.GasLimit,
		ConfirmTimeout: cfg.ConfirmTimeout(),
	})
	if err != nil {
		client.Close()
		return nil, err
	}

	cursorStore, err := store.Open(cfg.DB.Backend, config.Resolve(cfg.DB.Dir))
	if err != nil {
		client.Close()
		return nil, err
	}

	if cfg.Ops.ListenAddr != "" {
		if err := metrics.SetupPrometheus(); err != nil {
			log.Warnf("metrics disabled: %v", err)
		}
	}

	executor := worker.NewExecutor(worker.ExecutorConfig{
		Endpoint:     cfg.Executor.SandboxEndpoint,
		CodeContract: cfg.CodeContract(),
		Capacity:     cfg.Executor.Capacity,
		Timeout:      cfg.SandboxTimeout(),
	}, key)

	d, err := NewWithComponents(ctx, Components{
		Identity:         identity,
		Owner:            cfg.Owner(),
		StartBlock:       cfg.Chain.StartBlock,
		Dialer:           subscribe.DialWebsocket(cfg.Chain.WSEndpoint),
		Backoff:          backoff,
		Sender:           sender,
		Executor:         executor,
		Store:            cursorStore,
		ExecutionBuffer:  cfg.ExecutionBuffer(),
		OutcomeQueueSize: cfg.Executor.OutcomeChannelSize,
		OpsAddr:          cfg.Ops.ListenAddr,
		RPCCheck: func(ctx context.Context) error {
			_, err := client.BlockNumber(ctx)
			return err
		},
		Closers: []func(){client.Close},
	})
	if err != nil {
		cursorStore.Close()
		client.Close()
		return nil, err
	}

	log.Infof("executor address %s, transactions sent from %s", identity.Address.Hex(), sender.From().Hex())

	return d, nil
}

// NewWithComponents builds a daemon from ready-made collaborators. The cursor resumes
// from the later of c.StartBlock and the stored checkpoint.
func NewWithComponents(ctx context.Context, c Components) (*Daemon, error) {
	if c.Store == nil {
		c.Store = store.NewMemStore()
	}
	if c.Backoff == nil {
		c.Backoff = retry.NoBackoff{}
	}

	start := c.StartBlock
	stored, ok, err := c.Store.LoadCursor()
	if err != nil {
		return nil, err
	}
	if ok && stored > start {
		log.Infof("resuming from stored cursor %d", stored)
		start = stored
	}

	st := state.New(c.Identity, start)
	st.SetOwner(c.Owner)

	d := &Daemon{
		state:          st,
		dial:           c.Dialer,
		backoff:        c.Backoff,
		store:          c.Store,
		closers:        c.Closers,
		listenerDone:   make(chan struct{}),
		dispatcherDone: make(chan struct{}),
	}
	d.ctx, d.cancel = context.WithCancel(ctx)
	// in-flight transactions outlive the root context until the queue is drained
	d.senderCtx, d.senderCancel = context.WithCancel(context.WithoutCancel(ctx))

	d.tasks = scheduler.NewTaskGroup(d.ctx)
	d.txm = tx.NewTxManager(c.Sender, c.OutcomeQueueSize)
	d.subs = subscribe.NewManager(c.Identity, c.StreamBuffer)
	d.monitor = monitor.New(
		st,
		d.subs,
		d.tasks,
		c.Executor,
		worker.NewTimeoutWatcher(st.Running, c.ExecutionBuffer),
		d.txm.ResultQueue(),
		c.Store,
	)

	d.checker = health.NewHealthChecker(healthInterval)
	d.checker.AddCheck(health.NewFuncCheck("listener", func(context.Context) error {
		if !st.ListenerActive() {
			return errors.New("events listener is not running")
		}
		return nil
	}))
	if c.RPCCheck != nil {
		d.checker.AddCheck(health.NewFuncCheck("rpc", c.RPCCheck))
	}
	if c.OpsAddr != "" {
		d.ops = health.NewServer(c.OpsAddr, d.checker)
	}

	return d, nil
}

func (d *Daemon) State() *state.NodeState {
	return d.state
}

// Start launches the response dispatcher, the events listener and the ops server.
func (d *Daemon) Start() error {
	if !d.started.CompareAndSwap(false, true) {
		return errors.New("daemon already started")
	}

	go func() {
		defer close(d.dispatcherDone)
		d.txm.Run(d.senderCtx)
	}()

	go d.checker.Start(d.ctx)

	if d.ops != nil {
		if err := d.ops.Start(); err != nil {
			log.Errorf("failed to start ops server: %v", err)
		}
	}

	go func() {
		defer close(d.listenerDone)
		if err := d.Listen(d.ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Errorf("events listener stopped: %v", err)
		}
	}()

	return nil
}

// Done is closed when the events listener has returned.
func (d *Daemon) Done() <-chan struct{} {
	return d.listenerDone
}

// Stop cancels the listener and every job task, drains the queued transactions and closes
// the cursor store.
func (d *Daemon) Stop() {
	if !d.stopped.CompareAndSwap(false, true) {
		return
	}

	d.cancel()

	if d.started.Load() {
		<-d.listenerDone
	}
	d.tasks.Wait()
	d.txm.Close()

	if d.started.Load() {
		select {
		case <-d.dispatcherDone:
		case <-time.After(drainTimeout):
			log.Warnf("transactions not drained after %s, abandoning", drainTimeout)
			d.senderCancel()
			<-d.dispatcherDone
		}
	}
	d.senderCancel()

	if d.ops != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := d.ops.Shutdown(ctx); err != nil {
			log.Warnf("ops server shutdown: %v", err)
		}
		cancel()
	}

	if err := d.store.Close(); err != nil {
		log.Warnf("failed to close cursor store: %v", err)
	}

	for _, closeFn := range d.closers {
		closeFn()
	}

	if ids := d.state.Running.IDs(); len(ids) > 0 {
		log.Infof("jobs unsettled at shutdown: %v", ids)
	}
	log.Infof("daemon stopped at block %d with %d jobs running", d.state.Cursor.Load(), d.state.Running.Len())
}

// Listen keeps a chain connection alive until the node is deregistered or ctx ends. Only
// one listener runs at a time.
func (d *Daemon) Listen(ctx context.Context) error {
	if !d.state.AcquireListener() {
		return types.ErrListenerActive
	}
	defer d.state.ReleaseListener()

	attempt := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		result, dispatched := d.listenOnce(ctx)
		if result == monitor.ResultDeregistered {
			log.Infof("executor deregistered, events listener exiting")
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		if dispatched {
			attempt = 0
		}
		attempt++
		metrics.Reconnect()

		delay := d.backoff.Next(attempt)
		log.Infof("reconnecting to the chain (attempt %d) in %s", attempt, delay)
		if err := retry.Wait(ctx, delay); err != nil {
			return err
		}
	}
}

// listenOnce runs one connection: registration gate, subscriptions and dispatch.
func (d *Daemon) listenOnce(ctx context.Context) (monitor.Result, bool) {
	src, err := d.dial(ctx)
	if err != nil {
		log.Errorf("failed to connect to the chain: %v", err)
		return monitor.ResultStreamsEnded, false
	}
	defer src.Close()

	registered, err := d.monitor.AwaitRegistration(ctx, src)
	if err != nil {
		log.Errorf("registration subscription failed: %v", err)
	}
	if !registered {
		return monitor.ResultStreamsEnded, false
	}

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	jobs, dereg, err := d.subs.SubscribeEvents(connCtx, src, d.state.Cursor.Load())
	if err != nil {
		log.Errorf("%v", err)
		return monitor.ResultStreamsEnded, false
	}
	defer jobs.Unsubscribe()
	defer dereg.Unsubscribe()

	log.Infof("listening for job events from block %d", d.state.Cursor.Load())

	result := d.monitor.Dispatch(ctx, jobs.Logs(), dereg.Logs())
	log.Debugf("dispatch ended: %s", result)

	return result, true
}

// SPDX-License-Identifier: Apache-2.0

// Package engine exposes the channel method surface, serializes protocol
// execution per multisig, and wires protocols to the signer, store, bus,
// and chain provider.
package engine

import (
	"context"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jonboulle/clockwork"
	"github.com/pkg/errors"
	"perun.network/go-perun/log"
	pkgsync "polycry.pt/poly-go/sync"

	"github.com/counterfactual/go-node/chain"
	"github.com/counterfactual/go-node/protocol"
	"github.com/counterfactual/go-node/store"
	"github.com/counterfactual/go-node/wallet"
	"github.com/counterfactual/go-node/wire"
)

// Config tunes one engine instance. Zero values fall back to defaults.
type Config struct {
	// ServiceKey prefixes bus subjects.
	ServiceKey string
	// ResponseTimeout bounds every IO_SEND_AND_WAIT.
	ResponseTimeout time.Duration
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		ServiceKey:      wire.DefaultServiceKey,
		ResponseTimeout: 90 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.ServiceKey == "" {
		c.ServiceKey = d.ServiceKey
	}
	if c.ResponseTimeout == 0 {
		c.ResponseTimeout = d.ResponseTimeout
	}
	return c
}

// Engine runs the channel protocols for one signer. Several engines may
// share a process; each holds its own signer, store handle, and bus
// subscription.
type Engine struct {
	log.Embedding

	cfg       Config
	signer    wallet.Signer
	store     store.Store
	bus       wire.Bus
	provider  chain.Provider
	contracts protocol.ContractAddresses
	chainID   *big.Int

	validators *protocol.ValidatorRegistry
	locks      *lockManager
	clock      clockwork.Clock

	waitersMu sync.Mutex
	waiters   map[string]chan *wire.Envelope

	sub    wire.Subscription
	closer *pkgsync.Closer
	cancel context.CancelFunc
}

// New builds an engine and starts its inbox loop.
func New(cfg Config, signer wallet.Signer, st store.Store, bus wire.Bus, provider chain.Provider, contracts protocol.ContractAddresses, chainID *big.Int) (*Engine, error) {
	cfg = cfg.withDefaults()
	sub, err := bus.Subscribe(wire.InboxSubject(cfg.ServiceKey, signer.PublicIdentifier()))
	if err != nil {
		return nil, errors.Wrap(err, "subscribing to inbox")
	}
	e := &Engine{
		Embedding:  log.MakeEmbedding(log.Default()),
		cfg:        cfg,
		signer:     signer,
		store:      st,
		bus:        bus,
		provider:   provider,
		contracts:  contracts,
		chainID:    new(big.Int).Set(chainID),
		validators: protocol.NewValidatorRegistry(),
		locks:      newLockManager(),
		clock:      clockwork.NewRealClock(),
		waiters:    map[string]chan *wire.Envelope{},
		sub:        sub,
		closer:     new(pkgsync.Closer),
	}
	ctx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	go e.inboxLoop(ctx)
	return e, nil
}

// Validators exposes the middleware registry for application validators.
func (e *Engine) Validators() *protocol.ValidatorRegistry {
	return e.validators
}

// SetClock swaps the engine clock; tests install a fake one.
func (e *Engine) SetClock(c clockwork.Clock) { e.clock = c }

// Close stops the inbox loop and drops the bus subscription.
func (e *Engine) Close() error {
	if e.closer.IsClosed() {
		return nil
	}
	e.cancel()
	e.sub.Unsubscribe()
	return e.closer.Close()
}

// inboxLoop dispatches inbound messages: replies are routed to the waiting
// protocol by processID, fresh requests start responder flows.
func (e *Engine) inboxLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case data, ok := <-e.sub.Messages():
			if !ok {
				return
			}
			env, err := wire.DecodeEnvelope(data)
			if err != nil {
				e.Log().Warnf("dropping undecodable message: %v", err)
				continue
			}
			if env.ToIdentifier != e.signer.PublicIdentifier() {
				continue
			}
			if env.Seq > 1 {
				e.deliverReply(env)
				continue
			}
			go func(env *wire.Envelope) {
				if err := e.handleRequest(ctx, env); err != nil {
					e.Log().Warnf("responder %s/%s failed: %v", env.Protocol, env.ProcessID, err)
				}
			}(env)
		}
	}
}

func (e *Engine) deliverReply(env *wire.Envelope) {
	e.waitersMu.Lock()
	waiter, ok := e.waiters[env.ProcessID]
	e.waitersMu.Unlock()
	if !ok {
		e.Log().Debugf("no waiter for process %s, dropping reply", env.ProcessID)
		return
	}
	select {
	case waiter <- env:
	default:
	}
}

// handleRequest runs the responder flow of the protocol named by the
// envelope under the channel's lock.
func (e *Engine) handleRequest(ctx context.Context, env *wire.Envelope) error {
	var target struct {
		MultisigAddress common.Address `json:"multisigAddress"`
	}
	if err := env.UnmarshalParams(&target); err != nil {
		return err
	}

	release := e.locks.Acquire(target.MultisigAddress)
	defer release()

	pctx := &protocol.Context{
		ProcessID: env.ProcessID,
		Signer:    e.signer,
		Provider:  e.provider,
		Contracts: e.contracts,
		ChainID:   e.chainID,
	}
	op := e.opcodes()

	if protocol.Name(env.Protocol) != protocol.Setup {
		ch, err := e.store.GetStateChannel(ctx, target.MultisigAddress)
		if err != nil {
			return err
		}
		pctx.Channel = ch
	}

	var err error
	switch protocol.Name(env.Protocol) {
	case protocol.Setup:
		_, err = protocol.SetupRespond(ctx, op, pctx, env)
	case protocol.Propose:
		_, _, err = protocol.ProposeRespond(ctx, op, pctx, env)
	case protocol.Install:
		_, err = protocol.InstallRespond(ctx, op, pctx, env)
	case protocol.Update:
		_, err = protocol.UpdateRespond(ctx, op, pctx, env)
	case protocol.TakeAction:
		_, err = protocol.TakeActionRespond(ctx, op, pctx, env)
	case protocol.Uninstall:
		_, err = protocol.UninstallRespond(ctx, op, pctx, env)
	case protocol.Deposit:
		_, err = protocol.DepositRespond(ctx, op, pctx, env)
	case protocol.Withdraw:
		_, err = protocol.WithdrawRespond(ctx, op, pctx, env)
	default:
		err = errors.Errorf("unknown protocol %q", env.Protocol)
	}
	return err
}

// opcodes returns the engine's implementation of the protocol effect set.
func (e *Engine) opcodes() protocol.Opcodes {
	return &engineOpcodes{e}
}

type engineOpcodes struct{ e *Engine }

func (o *engineOpcodes) Sign(ctx context.Context, digest common.Hash) ([]byte, error) {
	return o.e.signer.SignDigest(ctx, digest)
}

func (o *engineOpcodes) Validate(_ context.Context, proto protocol.Name, mctx *protocol.MiddlewareContext) error {
	if err := o.e.validators.Validate(proto, mctx); err != nil {
		return &validationError{reason: err}
	}
	return nil
}

func (o *engineOpcodes) Send(_ context.Context, msg *wire.Envelope) error {
	data, err := msg.Encode()
	if err != nil {
		return err
	}
	subject := wire.Subject(o.e.cfg.ServiceKey, msg.ToIdentifier, msg.FromIdentifier)
	return o.e.bus.Publish(subject, data)
}

func (o *engineOpcodes) SendAndWait(ctx context.Context, msg *wire.Envelope) (*wire.Envelope, error) {
	waiter := make(chan *wire.Envelope, 1)
	o.e.waitersMu.Lock()
	o.e.waiters[msg.ProcessID] = waiter
	o.e.waitersMu.Unlock()
	defer func() {
		o.e.waitersMu.Lock()
		delete(o.e.waiters, msg.ProcessID)
		o.e.waitersMu.Unlock()
	}()

	if err := o.Send(ctx, msg); err != nil {
		return nil, err
	}
	select {
	case reply := <-waiter:
		return reply, nil
	case <-o.e.clock.After(o.e.cfg.ResponseTimeout):
		return nil, errors.Wrapf(ErrResponseTimeout, "process %s", msg.ProcessID)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (o *engineOpcodes) Persist(ctx context.Context, commit *protocol.Commit) error {
	if err := o.persist(ctx, commit); err != nil {
		return &storeError{cause: err}
	}
	return nil
}

func (o *engineOpcodes) persist(ctx context.Context, c *protocol.Commit) error {
	st := o.e.store
	switch c.Kind {
	case protocol.CommitCreateChannel:
		return st.CreateStateChannel(ctx, c.Channel, c.SetupCommitment, c.FreeBalanceSetState)
	case protocol.CommitCreateProposal:
		return st.CreateAppProposal(ctx, c.Channel, c.Proposal, c.AppSetState)
	case protocol.CommitInstallApp:
		return st.CreateAppInstance(ctx, c.Channel, c.AppIdentityHash, c.FreeBalanceSetState, c.ConditionalCommitment)
	case protocol.CommitUpdateApp, protocol.CommitUpdateAppSingleSigned:
		return st.UpdateAppInstance(ctx, c.Channel, c.AppIdentityHash, c.AppSetState)
	case protocol.CommitUninstallApp:
		return st.RemoveAppInstance(ctx, c.Channel, c.AppIdentityHash, c.FreeBalanceSetState)
	case protocol.CommitUpdateFreeBalance:
		return st.UpdateFreeBalance(ctx, c.Channel, c.FreeBalanceSetState)
	case protocol.CommitWithdraw:
		return st.SaveWithdrawal(ctx, c.Channel, c.FreeBalanceSetState, c.WithdrawCommitment, c.Withdrawal)
	default:
		return errors.Errorf("unknown commit kind %d", c.Kind)
	}
}

// newContext builds the protocol context for an initiator method, loading
// the channel snapshot under the already-held lock.
func (e *Engine) newContext(ctx context.Context, multisig common.Address, loadChannel bool) (*protocol.Context, error) {
	pctx := &protocol.Context{
		ProcessID: wire.NewProcessID(),
		Signer:    e.signer,
		Provider:  e.provider,
		Contracts: e.contracts,
		ChainID:   e.chainID,
	}
	if loadChannel {
		ch, err := e.store.GetStateChannel(ctx, multisig)
		if err != nil {
			return nil, err
		}
		pctx.Channel = ch
	}
	return pctx, nil
}

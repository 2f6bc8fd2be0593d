// SPDX-License-Identifier: Apache-2.0

// Package watcher surfaces ChallengeRegistry events back into the node: a
// live subscription per chain plus bounded replay of historical ranges.
package watcher

import (
	"context"
	"math/big"
	"sync"
	"time"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/jonboulle/clockwork"
	"github.com/pkg/errors"
	"perun.network/go-perun/log"

	"github.com/counterfactual/go-node/chain"
)

// DefaultChunkSize bounds how many blocks one historical query covers.
const DefaultChunkSize uint64 = 30

var (
	// ErrStartBeyondHead replay was requested from a future block.
	ErrStartBeyondHead = errors.New("starting block is beyond chain head")
	// ErrWaitTimeout WaitFor expired without a matching event.
	ErrWaitTimeout = errors.New("timed out waiting for event")
)

// Chain names one registry deployment to watch.
type Chain struct {
	ChainID  *big.Int
	Provider chain.Provider
	Registry common.Address
}

// Predicate filters events at a listener registration.
type Predicate func(Event) bool

// Ctx is an explicit listener handle; passing it to Detach removes every
// registration made under it.
type Ctx struct{ id uint64 }

type registration struct {
	hctx    *Ctx
	name    EventName
	cb      func(Event)
	filters []Predicate
	once    bool
}

// Watcher parses registry logs into typed events and fans them out to
// attached listeners. Enable and Disable are idempotent.
type Watcher struct {
	log.Embedding

	chains    []Chain
	chunkSize uint64
	clock     clockwork.Clock

	mu        sync.Mutex
	enabled   bool
	cancel    context.CancelFunc
	subs      []ethereum.Subscription
	listeners []*registration
	nextCtxID uint64
}

// New builds a watcher over the given chains.
func New(chains []Chain) *Watcher {
	return &Watcher{
		Embedding: log.MakeEmbedding(log.Default()),
		chains:    chains,
		chunkSize: DefaultChunkSize,
		clock:     clockwork.NewRealClock(),
	}
}

// SetChunkSize overrides the replay chunk size.
func (w *Watcher) SetChunkSize(n uint64) {
	if n > 0 {
		w.chunkSize = n
	}
}

// SetClock swaps the watcher clock; tests install a fake one.
func (w *Watcher) SetClock(c clockwork.Clock) { w.clock = c }

// NewCtx mints a listener handle.
func (w *Watcher) NewCtx() *Ctx {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.nextCtxID++
	return &Ctx{id: w.nextCtxID}
}

// Enable starts the live log subscriptions. Calling it on an enabled
// watcher is a no-op.
func (w *Watcher) Enable(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.enabled {
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	var subs []ethereum.Subscription
	for _, c := range w.chains {
		logs := make(chan types.Log, 64)
		sub, err := c.Provider.SubscribeFilterLogs(runCtx, w.filterQuery(c, nil, nil), logs)
		if err != nil {
			cancel()
			for _, s := range subs {
				s.Unsubscribe()
			}
			return errors.Wrap(err, "subscribing to registry logs")
		}
		subs = append(subs, sub)
		go w.consume(runCtx, sub, logs)
	}
	w.enabled = true
	w.cancel = cancel
	w.subs = subs
	return nil
}

// Disable stops the live subscriptions. Calling it on a disabled watcher
// is a no-op.
func (w *Watcher) Disable() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.enabled {
		return
	}
	w.cancel()
	for _, sub := range w.subs {
		sub.Unsubscribe()
	}
	w.enabled = false
	w.cancel = nil
	w.subs = nil
}

func (w *Watcher) filterQuery(c Chain, from, to *big.Int) ethereum.FilterQuery {
	return ethereum.FilterQuery{
		Addresses: []common.Address{c.Registry},
		Topics:    [][]common.Hash{{challengeUpdatedTopic, stateProgressedTopic}},
		FromBlock: from,
		ToBlock:   to,
	}
}

func (w *Watcher) consume(ctx context.Context, sub ethereum.Subscription, logs <-chan types.Log) {
	for {
		select {
		case <-ctx.Done():
			return
		case err := <-sub.Err():
			if err != nil {
				w.Log().Warnf("registry log subscription failed: %v", err)
			}
			return
		case lg := <-logs:
			w.handleLog(lg)
		}
	}
}

func (w *Watcher) handleLog(lg types.Log) {
	ev, err := parseLog(lg)
	if err != nil {
		w.Log().Warnf("dropping unparseable registry log: %v", err)
		return
	}
	if ev != nil {
		w.emit(ev)
	}
}

// ParseLogsFrom replays every registry log from startingBlock to the
// current head of each chain, walking blocks in chunks of at most the
// configured size. It fails without emitting if startingBlock is beyond a
// chain's head.
func (w *Watcher) ParseLogsFrom(ctx context.Context, startingBlock uint64) error {
	for _, c := range w.chains {
		head, err := c.Provider.BlockNumber(ctx)
		if err != nil {
			return errors.Wrap(err, "fetching chain head")
		}
		if startingBlock > head {
			return errors.Wrapf(ErrStartBeyondHead, "start %d, head %d", startingBlock, head)
		}
		for from := startingBlock; from <= head; from += w.chunkSize {
			to := from + w.chunkSize - 1
			if to > head {
				to = head
			}
			q := w.filterQuery(c, new(big.Int).SetUint64(from), new(big.Int).SetUint64(to))
			logs, err := c.Provider.FilterLogs(ctx, q)
			if err != nil {
				return errors.Wrapf(err, "filtering blocks %d..%d", from, to)
			}
			for _, lg := range logs {
				w.handleLog(lg)
			}
		}
	}
	return nil
}

// Attach registers cb for every matching event under hctx. A nil hctx
// registers under a fresh handle, which is returned either way.
func (w *Watcher) Attach(hctx *Ctx, name EventName, cb func(Event), filters ...Predicate) *Ctx {
	return w.attach(hctx, name, cb, filters, false)
}

// AttachOnce registers cb for the first matching event only.
func (w *Watcher) AttachOnce(hctx *Ctx, name EventName, cb func(Event), filters ...Predicate) *Ctx {
	return w.attach(hctx, name, cb, filters, true)
}

func (w *Watcher) attach(hctx *Ctx, name EventName, cb func(Event), filters []Predicate, once bool) *Ctx {
	if hctx == nil {
		hctx = w.NewCtx()
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.listeners = append(w.listeners, &registration{
		hctx:    hctx,
		name:    name,
		cb:      cb,
		filters: filters,
		once:    once,
	})
	return hctx
}

// Detach removes every registration made under hctx.
func (w *Watcher) Detach(hctx *Ctx) {
	w.mu.Lock()
	defer w.mu.Unlock()
	kept := w.listeners[:0]
	for _, reg := range w.listeners {
		if reg.hctx != hctx {
			kept = append(kept, reg)
		}
	}
	w.listeners = kept
}

// WaitFor blocks until an event with the given name passes all filters, or
// the timeout expires.
func (w *Watcher) WaitFor(name EventName, timeout time.Duration, filters ...Predicate) (Event, error) {
	found := make(chan Event, 1)
	hctx := w.AttachOnce(nil, name, func(ev Event) {
		select {
		case found <- ev:
		default:
		}
	}, filters...)
	defer w.Detach(hctx)

	select {
	case ev := <-found:
		return ev, nil
	case <-w.clock.After(timeout):
		return nil, errors.Wrapf(ErrWaitTimeout, "%s after %s", name, timeout)
	}
}

// emit fans an event out to matching listeners, dropping once-listeners
// after their first delivery.
func (w *Watcher) emit(ev Event) {
	w.mu.Lock()
	var fire []*registration
	kept := w.listeners[:0]
	for _, reg := range w.listeners {
		if reg.name != ev.Name() || !passes(reg.filters, ev) {
			kept = append(kept, reg)
			continue
		}
		fire = append(fire, reg)
		if !reg.once {
			kept = append(kept, reg)
		}
	}
	w.listeners = kept
	w.mu.Unlock()

	for _, reg := range fire {
		reg.cb(ev)
	}
}

func passes(filters []Predicate, ev Event) bool {
	for _, f := range filters {
		if !f(ev) {
			return false
		}
	}
	return true
}

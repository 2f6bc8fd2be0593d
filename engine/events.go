// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"github.com/counterfactual/go-node/watcher"
)

// Event is an asynchronous notification surfaced outside protocol
// execution, currently always a chain event.
type Event struct {
	Type string
	Data watcher.Event
}

// eventBufferSize bounds undelivered notifications; chain events beyond it
// are dropped with a warning rather than blocking the watcher.
const eventBufferSize = 32

// AttachWatcher forwards the watcher's registry events into the engine's
// notification stream. The returned Ctx detaches both registrations.
func (e *Engine) AttachWatcher(w *watcher.Watcher) (*watcher.Ctx, <-chan Event) {
	events := make(chan Event, eventBufferSize)
	forward := func(ev watcher.Event) {
		e.Log().Infof("registry event %s for app %s", ev.Name(), ev.AppIdentityHash().Hex())
		select {
		case events <- Event{Type: string(ev.Name()), Data: ev}:
		default:
			e.Log().Warnf("dropping %s event, notification buffer full", ev.Name())
		}
	}
	hctx := w.Attach(nil, watcher.ChallengeUpdatedEventName, forward)
	w.Attach(hctx, watcher.StateProgressedEventName, forward)
	return hctx, events
}

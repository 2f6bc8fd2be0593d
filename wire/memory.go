// SPDX-License-Identifier: Apache-2.0

package wire

import (
	"strings"
	"sync"

	"github.com/pkg/errors"
)

// memoryBufferSize bounds each subscription's unread backlog.
const memoryBufferSize = 64

// MemoryBus is an in-process Bus for tests and single-process peer pairs. A
// production deployment substitutes a NATS or libp2p bus behind the same
// interface.
type MemoryBus struct {
	mu     sync.RWMutex
	subs   map[*memorySub]struct{}
	closed bool
}

type memorySub struct {
	bus     *MemoryBus
	pattern string
	msgs    chan []byte
	once    sync.Once
}

// NewMemoryBus returns an empty in-process bus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{subs: map[*memorySub]struct{}{}}
}

// Publish delivers data to every subscription whose pattern matches subject.
// Subscribers that fall memoryBufferSize messages behind drop the message;
// the engine's request/response matching tolerates loss.
func (b *MemoryBus) Publish(subject string, data []byte) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return errors.New("bus closed")
	}
	for sub := range b.subs {
		if !subjectMatches(sub.pattern, subject) {
			continue
		}
		payload := append([]byte(nil), data...)
		select {
		case sub.msgs <- payload:
		default:
		}
	}
	return nil
}

// Subscribe registers for subjects matching pattern.
func (b *MemoryBus) Subscribe(pattern string) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, errors.New("bus closed")
	}
	sub := &memorySub{
		bus:     b,
		pattern: pattern,
		msgs:    make(chan []byte, memoryBufferSize),
	}
	b.subs[sub] = struct{}{}
	return sub, nil
}

// Close drops all subscriptions.
func (b *MemoryBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for sub := range b.subs {
		sub.close()
	}
	b.subs = map[*memorySub]struct{}{}
}

func (s *memorySub) Messages() <-chan []byte { return s.msgs }

func (s *memorySub) Unsubscribe() {
	s.bus.mu.Lock()
	delete(s.bus.subs, s)
	s.bus.mu.Unlock()
	s.close()
}

func (s *memorySub) close() {
	s.once.Do(func() { close(s.msgs) })
}

// subjectMatches implements exact matching plus a trailing ">" wildcard
// covering one or more remaining tokens.
func subjectMatches(pattern, subject string) bool {
	if pattern == subject {
		return true
	}
	if strings.HasSuffix(pattern, ".>") {
		prefix := strings.TrimSuffix(pattern, ">")
		return strings.HasPrefix(subject, prefix) && len(subject) > len(prefix)
	}
	return false
}

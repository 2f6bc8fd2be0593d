// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"bytes"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// lockManager serializes protocol execution per multisig. Locks are
// acquired in ascending address order so methods that one day need several
// channels cannot deadlock each other.
type lockManager struct {
	mu    sync.Mutex
	locks map[common.Address]*sync.Mutex
}

func newLockManager() *lockManager {
	return &lockManager{locks: map[common.Address]*sync.Mutex{}}
}

func (l *lockManager) lockFor(addr common.Address) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	m, ok := l.locks[addr]
	if !ok {
		m = &sync.Mutex{}
		l.locks[addr] = m
	}
	return m
}

// Acquire locks every named multisig and returns the release function.
func (l *lockManager) Acquire(addrs ...common.Address) func() {
	sorted := make([]common.Address, len(addrs))
	copy(sorted, addrs)
	sort.Slice(sorted, func(i, j int) bool {
		return bytes.Compare(sorted[i].Bytes(), sorted[j].Bytes()) < 0
	})
	held := make([]*sync.Mutex, 0, len(sorted))
	for i, addr := range sorted {
		if i > 0 && addr == sorted[i-1] {
			continue
		}
		m := l.lockFor(addr)
		m.Lock()
		held = append(held, m)
	}
	return func() {
		for i := len(held) - 1; i >= 0; i-- {
			held[i].Unlock()
		}
	}
}

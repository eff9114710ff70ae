// Copyright 2020 The Matrix.org Foundation C.I.C.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package internal

import "sync"

// MutexByKey hands out one mutex per key. Entries are dropped again once
// nobody holds or waits for them.
type MutexByKey struct {
	mu      sync.Mutex // protects the map
	mutexes map[string]*refMutex
}

type refMutex struct {
	sync.Mutex
	refs int
}

func NewMutexByKey() *MutexByKey {
	return &MutexByKey{
		mutexes: make(map[string]*refMutex),
	}
}

func (m *MutexByKey) Lock(key string) {
	m.mu.Lock()
	keyMu := m.mutexes[key]
	if keyMu == nil {
		keyMu = &refMutex{}
		m.mutexes[key] = keyMu
	}
	keyMu.refs++
	m.mu.Unlock()
	// don't lock inside m.mu else we can deadlock
	keyMu.Lock()
}

func (m *MutexByKey) Unlock(key string) {
	m.mu.Lock()
	keyMu := m.mutexes[key]
	if keyMu == nil {
		m.mu.Unlock()
		panic("MutexByKey: Unlock before Lock")
	}
	keyMu.refs--
	if keyMu.refs == 0 {
		delete(m.mutexes, key)
	}
	m.mu.Unlock()

	keyMu.Unlock()
}

// Len returns the number of keys that are locked or waited on.
func (m *MutexByKey) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.mutexes)
}

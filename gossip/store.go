package gossip

//
// Copyright (c) 2019 ARM Limited.
//
// SPDX-License-Identifier: MIT
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to
// deal in the Software without restriction, including without limitation the
// rights to use, copy, modify, merge, publish, distribute, sublicense, and/or
// sell copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in all
// copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
// SOFTWARE.
//

import (
    "runtime"
    "time"

    . "github.com/PelionIoT/memberdb/util"
)

// EndpointStateStore owns the authoritative endpoint state map and keeps the
// read-mostly replicas in step with it. Writes only ever happen through the
// coordinator; each write fans out to every replica before it completes.
// Mutations of a given endpoint are serialized through a keyed lock with unit
// weight per endpoint.
type EndpointStateStore struct {
    locks *MultiLock
    replicas []*StateReplica
}

func NewEndpointStateStore(replicaCount int) *EndpointStateStore {
    if replicaCount <= 0 {
        replicaCount = runtime.NumCPU()
    }

    replicas := make([]*StateReplica, replicaCount)

    for i := 0; i < replicaCount; i += 1 {
        replicas[i] = newStateReplica()
    }

    return &EndpointStateStore{
        locks: NewMultiLock(),
        replicas: replicas,
    }
}

func (store *EndpointStateStore) ReplicaCount() int {
    return len(store.replicas)
}

// Coordinator returns the canonical copy of the state.
func (store *EndpointStateStore) Coordinator() *StateReplica {
    return store.replicas[0]
}

// Replica returns the read-mostly copy local subsystems on replica i should
// read from.
func (store *EndpointStateStore) Replica(i int) *StateReplica {
    return store.replicas[i % len(store.replicas)]
}

// LockEndpoint acquires the per-endpoint lock and returns the release
// function. The release must run on every exit path.
func (store *EndpointStateStore) LockEndpoint(endpoint string) func() {
    store.locks.Lock([]byte(endpoint))

    released := false

    return func() {
        if released {
            return
        }

        released = true
        store.locks.Unlock([]byte(endpoint))
    }
}

// ApplyLocal replaces the coordinator's entry for the endpoint and mirrors
// the state to every replica before returning. Callers must hold the
// per-endpoint lock.
func (store *EndpointStateStore) ApplyLocal(endpoint string, endpointState *EndpointState) {
    coordinator := store.Coordinator()

    coordinator.mu.Lock()
    coordinator.endpointStateMap[endpoint] = endpointState
    coordinator.mu.Unlock()

    for _, replica := range store.replicas[1:] {
        replica.mergeFull(endpoint, endpointState)
    }
}

// ReplicateFull mirrors the endpoint's full state to every replica. Used when
// the coordinator's entry was mutated in place.
func (store *EndpointStateStore) ReplicateFull(endpoint string, endpointState *EndpointState) {
    for _, replica := range store.replicas[1:] {
        replica.mergeFull(endpoint, endpointState)
    }
}

// ReplicateKeys mirrors only the changed application state keys.
func (store *EndpointStateStore) ReplicateKeys(endpoint string, states map[ApplicationStateKey]VersionedValue, changed []ApplicationStateKey) {
    for _, replica := range store.replicas[1:] {
        replica.mergeKeys(endpoint, states, changed)
    }
}

// Evict removes the endpoint from every copy of the state.
func (store *EndpointStateStore) Evict(endpoint string) {
    for _, replica := range store.replicas {
        replica.remove(endpoint)
    }
}

// UpdateLiveEndpointsVersion bumps the live endpoints version on every copy.
// Any failure detector round that snapshotted the previous version retires
// itself when it observes the bump.
func (store *EndpointStateStore) UpdateLiveEndpointsVersion() {
    version := store.Coordinator().bumpLiveEndpointsVersion()

    for _, replica := range store.replicas[1:] {
        replica.setLiveEndpointsVersion(version)
    }
}

// ReplicateLiveness mirrors the live and unreachable sets together with the
// alive bit of every endpoint. Only the alive bit of the state entries is
// propagated on this path.
func (store *EndpointStateStore) ReplicateLiveness(liveEndpoints []string, liveEndpointsVersion uint64, unreachableEndpoints map[string]time.Time, aliveBits map[string]bool) {
    for _, replica := range store.replicas[1:] {
        replica.setLiveness(liveEndpoints, liveEndpointsVersion, unreachableEndpoints, aliveBits)
    }
}

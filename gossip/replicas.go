package gossip

import (
    "sync"
    "time"
)

// StateReplica is one copy of the membership view. Replica 0 is the
// coordinator's canonical copy; every other replica is a read-mostly mirror
// that local subsystems read without contending with the gossip engine. A
// mirror may lag the coordinator only in the alive bit and in application
// state inserts that have not fanned out yet, and no coordinator mutation
// completes before every mirror has merged it.
type StateReplica struct {
    mu sync.RWMutex
    endpointStateMap map[string]*EndpointState
    liveEndpoints []string
    unreachableEndpoints map[string]time.Time
    liveEndpointsVersion uint64
}

func newStateReplica() *StateReplica {
    return &StateReplica{
        endpointStateMap: make(map[string]*EndpointState),
        unreachableEndpoints: make(map[string]time.Time),
    }
}

// EndpointState returns a copy of the replica's view of the endpoint.
func (replica *StateReplica) EndpointState(endpoint string) (*EndpointState, bool) {
    replica.mu.RLock()
    defer replica.mu.RUnlock()

    endpointState, ok := replica.endpointStateMap[endpoint]

    if !ok {
        return nil, false
    }

    return endpointState.Clone(), true
}

func (replica *StateReplica) Endpoints() []string {
    replica.mu.RLock()
    defer replica.mu.RUnlock()

    endpoints := make([]string, 0, len(replica.endpointStateMap))

    for endpoint, _ := range replica.endpointStateMap {
        endpoints = append(endpoints, endpoint)
    }

    return endpoints
}

func (replica *StateReplica) EndpointCount() int {
    replica.mu.RLock()
    defer replica.mu.RUnlock()

    return len(replica.endpointStateMap)
}

func (replica *StateReplica) IsAlive(endpoint string) bool {
    replica.mu.RLock()
    defer replica.mu.RUnlock()

    endpointState, ok := replica.endpointStateMap[endpoint]

    return ok && endpointState.Alive
}

func (replica *StateReplica) LiveEndpoints() []string {
    replica.mu.RLock()
    defer replica.mu.RUnlock()

    liveEndpoints := make([]string, len(replica.liveEndpoints))
    copy(liveEndpoints, replica.liveEndpoints)

    return liveEndpoints
}

func (replica *StateReplica) LiveEndpointsVersion() uint64 {
    replica.mu.RLock()
    defer replica.mu.RUnlock()

    return replica.liveEndpointsVersion
}

func (replica *StateReplica) UnreachableEndpoints() map[string]time.Time {
    replica.mu.RLock()
    defer replica.mu.RUnlock()

    unreachableEndpoints := make(map[string]time.Time, len(replica.unreachableEndpoints))

    for endpoint, downSince := range replica.unreachableEndpoints {
        unreachableEndpoints[endpoint] = downSince
    }

    return unreachableEndpoints
}

// withState runs fn with the replica's own state entry under the write lock.
// Returns false when the endpoint is unknown.
func (replica *StateReplica) withState(endpoint string, fn func(endpointState *EndpointState)) bool {
    replica.mu.Lock()
    defer replica.mu.Unlock()

    endpointState, ok := replica.endpointStateMap[endpoint]

    if !ok {
        return false
    }

    fn(endpointState)

    return true
}

func (replica *StateReplica) setState(endpoint string, endpointState *EndpointState) {
    replica.mu.Lock()
    defer replica.mu.Unlock()

    replica.endpointStateMap[endpoint] = endpointState
}

// addLive appends the endpoint to the live list if absent. Returns whether
// the list changed.
func (replica *StateReplica) addLive(endpoint string) bool {
    replica.mu.Lock()
    defer replica.mu.Unlock()

    for _, live := range replica.liveEndpoints {
        if live == endpoint {
            return false
        }
    }

    replica.liveEndpoints = append(replica.liveEndpoints, endpoint)

    return true
}

func (replica *StateReplica) removeLive(endpoint string) bool {
    replica.mu.Lock()
    defer replica.mu.Unlock()

    for i, live := range replica.liveEndpoints {
        if live == endpoint {
            replica.liveEndpoints = append(replica.liveEndpoints[:i], replica.liveEndpoints[i+1:]...)

            return true
        }
    }

    return false
}

func (replica *StateReplica) setUnreachable(endpoint string, downSince time.Time) {
    replica.mu.Lock()
    defer replica.mu.Unlock()

    replica.unreachableEndpoints[endpoint] = downSince
}

func (replica *StateReplica) clearUnreachable(endpoint string) {
    replica.mu.Lock()
    defer replica.mu.Unlock()

    delete(replica.unreachableEndpoints, endpoint)
}

func (replica *StateReplica) bumpLiveEndpointsVersion() uint64 {
    replica.mu.Lock()
    defer replica.mu.Unlock()

    replica.liveEndpointsVersion += 1

    return replica.liveEndpointsVersion
}

func (replica *StateReplica) setLiveEndpointsVersion(version uint64) {
    replica.mu.Lock()
    defer replica.mu.Unlock()

    replica.liveEndpointsVersion = version
}

func (replica *StateReplica) mergeFull(endpoint string, endpointState *EndpointState) {
    replica.mu.Lock()
    defer replica.mu.Unlock()

    local, ok := replica.endpointStateMap[endpoint]

    if !ok {
        local = NewEndpointState(endpointState.HeartBeat)
        replica.endpointStateMap[endpoint] = local
    }

    local.AddApplicationStates(endpointState)
}

func (replica *StateReplica) mergeKeys(endpoint string, states map[ApplicationStateKey]VersionedValue, changed []ApplicationStateKey) {
    replica.mu.Lock()
    defer replica.mu.Unlock()

    local, ok := replica.endpointStateMap[endpoint]

    if !ok {
        local = NewEndpointState(HeartBeatState{ })
        replica.endpointStateMap[endpoint] = local
    }

    for _, key := range changed {
        local.AddApplicationState(key, states[key])
    }
}

func (replica *StateReplica) remove(endpoint string) {
    replica.mu.Lock()
    defer replica.mu.Unlock()

    delete(replica.endpointStateMap, endpoint)
}

func (replica *StateReplica) setLiveness(liveEndpoints []string, liveEndpointsVersion uint64, unreachableEndpoints map[string]time.Time, aliveBits map[string]bool) {
    replica.mu.Lock()
    defer replica.mu.Unlock()

    replica.liveEndpoints = make([]string, len(liveEndpoints))
    copy(replica.liveEndpoints, liveEndpoints)
    replica.liveEndpointsVersion = liveEndpointsVersion

    replica.unreachableEndpoints = make(map[string]time.Time, len(unreachableEndpoints))

    for endpoint, downSince := range unreachableEndpoints {
        replica.unreachableEndpoints[endpoint] = downSince
    }

    for endpoint, alive := range aliveBits {
        if endpointState, ok := replica.endpointStateMap[endpoint]; ok {
            endpointState.Alive = alive
        }
    }
}

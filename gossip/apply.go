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
    "context"
    "errors"
    "math/rand"
    "sort"
    "time"

    . "github.com/PelionIoT/memberdb/logging"
)

var EEchoNotReady = errors.New("Not ready to respond gossip echo message")
var EGenerationMismatch = errors.New("Remote generation does not match the local generation")

// applyStateLocally merges a remote endpoint state map into the local view.
// Seeds are applied first to maximize quick convergence on cluster wide
// facts; quarantined endpoints are skipped entirely.
func (gossiper *Gossiper) applyStateLocally(states map[string]*EndpointState) {
    endpoints := make([]string, 0, len(states))

    for endpoint, _ := range states {
        endpoints = append(endpoints, endpoint)
    }

    rand.Shuffle(len(endpoints), func(i, j int) {
        endpoints[i], endpoints[j] = endpoints[j], endpoints[i]
    })

    sort.SliceStable(endpoints, func(i, j int) bool {
        return gossiper.IsSeed(endpoints[i]) && !gossiper.IsSeed(endpoints[j])
    })

    for _, endpoint := range endpoints {
        if endpoint == gossiper.config.LocalAddress && !gossiper.IsInShadowRound() {
            continue
        }

        if gossiper.isQuarantined(endpoint) {
            Log.Debugf("Ignoring gossip for %s because it is quarantined", endpoint)

            continue
        }

        // Bound the number of concurrent per-endpoint applications
        gossiper.applySem <- 1
        gossiper.doApplyStateLocally(endpoint, states[endpoint], true)
        <-gossiper.applySem
    }
}

// applyStateLocallyWithoutListenerNotification is the shadow round path: the
// states are installed but no subscriber runs.
func (gossiper *Gossiper) applyStateLocallyWithoutListenerNotification(states map[string]*EndpointState) {
    for endpoint, remoteState := range states {
        gossiper.doApplyStateLocally(endpoint, remoteState, false)
    }
}

func (gossiper *Gossiper) doApplyStateLocally(endpoint string, remoteState *EndpointState, listenerNotification bool) {
    release := gossiper.store.LockEndpoint(endpoint)
    defer release()

    coordinator := gossiper.store.Coordinator()
    localState, hasLocalState := coordinator.EndpointState(endpoint)

    if !hasLocalState {
        if listenerNotification {
            gossiper.handleMajorStateChange(endpoint, remoteState)
        } else {
            Log.Debugf("Applying remote_state for node %s (new node)", endpoint)

            gossiper.store.ApplyLocal(endpoint, remoteState.Clone())
        }

        return
    }

    localGeneration := localState.HeartBeat.Generation
    remoteGeneration := remoteState.HeartBeat.Generation

    Log.Debugf("%s local generation %d, remote generation %d", endpoint, localGeneration, remoteGeneration)

    if remoteGeneration > CurrentGenerationNumber() + MaxGenerationDifference {
        // assume some peer has corrupted memory and is broadcasting an
        // unbelievable generation about another peer (or itself)
        Log.Warningf("received an invalid gossip generation for peer %s; local generation = %d, received generation = %d",
            endpoint, localGeneration, remoteGeneration)

        return
    }

    if remoteGeneration > localGeneration {
        if listenerNotification {
            Log.Debugf("Updating heartbeat state generation to %d from %d for %s", remoteGeneration, localGeneration, endpoint)

            // major state change will handle the update by inserting the
            // remote state directly
            gossiper.handleMajorStateChange(endpoint, remoteState)
        } else {
            Log.Debugf("Applying remote_state for node %s (remote generation > local generation)", endpoint)

            gossiper.store.ApplyLocal(endpoint, remoteState.Clone())
        }

        return
    }

    if remoteGeneration < localGeneration {
        Log.Debugf("Ignoring remote generation %d < %d", remoteGeneration, localGeneration)

        return
    }

    if listenerNotification {
        localMaxVersion := localState.MaxVersion()
        remoteMaxVersion := remoteState.MaxVersion()

        if remoteMaxVersion > localMaxVersion {
            // no major change: apply the newer states; only before-change
            // and on-change listeners fire
            gossiper.applyNewStates(endpoint, remoteState)
        } else {
            Log.Debugf("Ignoring remote version %d <= %d for %s", remoteMaxVersion, localMaxVersion, endpoint)
        }

        localState, hasLocalState = coordinator.EndpointState(endpoint)

        if hasLocalState && !localState.Alive && !localState.IsDeadState() { // unless of course, it was dead
            gossiper.markAlive(endpoint)
        }
    } else {
        changed := make([]ApplicationStateKey, 0)

        coordinator.withState(endpoint, func(endpointState *EndpointState) {
            for remoteKey, remoteValue := range remoteState.ApplicationStates {
                localValue, hasLocalValue := endpointState.GetApplicationState(remoteKey)

                if !hasLocalValue || remoteValue.Version > localValue.Version {
                    endpointState.AddApplicationState(remoteKey, remoteValue)
                    changed = append(changed, remoteKey)
                }
            }
        })

        if len(changed) > 0 {
            gossiper.store.ReplicateKeys(endpoint, remoteState.ApplicationStates, changed)
        }
    }
}

// applyNewStates merges every newer application state entry from the remote
// state under equal generations. All deltas are applied before any listener
// runs; before-change listeners get the pre-change snapshot, and the deltas
// are replicated before any on-change listener runs.
// Callers hold the per-endpoint lock.
func (gossiper *Gossiper) applyNewStates(endpoint string, remoteState *EndpointState) {
    coordinator := gossiper.store.Coordinator()
    stateBefore, _ := coordinator.EndpointState(endpoint)
    remoteGeneration := remoteState.HeartBeat.Generation

    changed := make([]ApplicationStateKey, 0, len(remoteState.ApplicationStates))
    var applyErr error

    coordinator.withState(endpoint, func(endpointState *EndpointState) {
        localGeneration := endpointState.HeartBeat.Generation

        if remoteGeneration != localGeneration {
            Log.Warningf("Remote generation %d != local generation %d", remoteGeneration, localGeneration)
            applyErr = EGenerationMismatch

            return
        }

        endpointState.HeartBeat = remoteState.HeartBeat
        endpointState.UpdateTimestampNow()

        for remoteKey, remoteValue := range remoteState.ApplicationStates {
            localValue, hasLocalValue := endpointState.GetApplicationState(remoteKey)

            if !hasLocalValue || remoteValue.Version > localValue.Version {
                changed = append(changed, remoteKey)
            }
        }

        // apply in version order so subscribers observe a monotonic sequence
        sort.Slice(changed, func(i, j int) bool {
            return remoteState.ApplicationStates[changed[i]].Version < remoteState.ApplicationStates[changed[j]].Version
        })

        for _, key := range changed {
            endpointState.AddApplicationState(key, remoteState.ApplicationStates[key])
        }
    })

    if applyErr != nil {
        return
    }

    if stateBefore != nil {
        for _, key := range changed {
            gossiper.notifier.notifyBeforeChange(endpoint, stateBefore, key, remoteState.ApplicationStates[key])
        }
    }

    // We must replicate endpoint states before listeners run so changes
    // listeners depend on are visible on every replica
    gossiper.store.ReplicateKeys(endpoint, remoteState.ApplicationStates, changed)

    for _, key := range changed {
        gossiper.notifier.notifyChange(endpoint, key, remoteState.ApplicationStates[key])
    }
}

// handleMajorStateChange replaces the full entry when an endpoint is observed
// for the first time or returns with a bumped generation. Callers hold the
// per-endpoint lock.
func (gossiper *Gossiper) handleMajorStateChange(endpoint string, remoteState *EndpointState) {
    coordinator := gossiper.store.Coordinator()
    oldState, hadOldState := coordinator.EndpointState(endpoint)

    if !remoteState.IsDeadState() && !gossiper.IsInShadowRound() {
        if hadOldState {
            Log.Debugf("Node %s has restarted, now UP, status = %s", endpoint, remoteState.Status())
        } else {
            Log.Debugf("Node %s is now part of the cluster, status = %s", endpoint, remoteState.Status())
        }
    }

    Log.Debugf("Adding endpoint state for %s, status = %s", endpoint, remoteState.Status())

    installed := remoteState.Clone()
    installed.UpdateTimestampNow()
    gossiper.store.ApplyLocal(endpoint, installed)

    if gossiper.IsInShadowRound() {
        // In the shadow round we are only interested in the peer's state.
        // The on_restart and on_join callbacks and the mark alive handshake
        // happen during normal gossip runs anyway.
        Log.Debugf("In shadow round addr=%s", endpoint)

        return
    }

    if hadOldState {
        // the node restarted: it is up to the subscriber to take whatever
        // action is necessary
        gossiper.notifier.notifyRestart(endpoint, oldState)
    }

    if !installed.IsDeadState() {
        gossiper.markAlive(endpoint)
    } else {
        Log.Debugf("Not marking %s alive due to dead state %s", endpoint, installed.Status())
        gossiper.markDead(endpoint)
    }

    if newState, ok := coordinator.EndpointState(endpoint); ok {
        gossiper.notifier.notifyJoin(endpoint, newState)
    }

    // check this at the end so nodes will learn about the endpoint
    if gossiper.IsShutdown(endpoint) {
        gossiper.markAsShutdown(endpoint)
    }
}

// markAlive starts the two phase mark-alive handshake: the endpoint becomes
// live only after it answered an echo, which prevents declaring a node UP on
// stale state.
func (gossiper *Gossiper) markAlive(endpoint string) {
    gossiper.mu.Lock()

    if gossiper.pendingMarkAlive[endpoint] {
        // already in the process of being marked up
        Log.Debugf("Node %s is being marked as up, ignoring duplicated mark alive operation", endpoint)
        gossiper.mu.Unlock()

        return
    }

    gossiper.pendingMarkAlive[endpoint] = true
    gossiper.mu.Unlock()

    Log.Debugf("Mark Node %s alive with EchoMessage", endpoint)
    gossiper.store.Coordinator().withState(endpoint, func(endpointState *EndpointState) {
        endpointState.Alive = false
    })

    var generation int32

    if localState, ok := gossiper.store.Coordinator().EndpointState(gossiper.config.LocalAddress); ok {
        generation = localState.HeartBeat.Generation
    }

    if gossiper.backgroundTasks.Enter() != nil {
        gossiper.mu.Lock()
        delete(gossiper.pendingMarkAlive, endpoint)
        gossiper.mu.Unlock()

        return
    }

    go func() {
        defer gossiper.backgroundTasks.Leave()
        defer func() {
            gossiper.mu.Lock()
            delete(gossiper.pendingMarkAlive, endpoint)
            gossiper.mu.Unlock()
        }()

        Log.Debugf("Sending a EchoMessage to %s, with generation_number=%d", endpoint, generation)

        ctx, cancelEcho := context.WithTimeout(context.Background(), MarkAliveEchoDeadline)
        err := gossiper.sender.SendEcho(ctx, endpoint, generation)
        cancelEcho()

        if err != nil {
            Log.Warningf("Fail to send EchoMessage to %s: %v", endpoint, err)

            return
        }

        Log.Debugf("Got EchoMessage Reply")
        gossiper.realMarkAlive(endpoint)
    }()
}

func (gossiper *Gossiper) realMarkAlive(endpoint string) {
    release := gossiper.store.LockEndpoint(endpoint)
    defer release()

    coordinator := gossiper.store.Coordinator()
    localState, ok := coordinator.EndpointState(endpoint)

    if !ok {
        // the endpoint may have been evicted while the echo was in flight
        Log.Infof("Node %s is not in endpoint_state_map anymore", endpoint)

        return
    }

    // Do not mark a node with status shutdown as UP
    if localState.Status() == StatusShutdown {
        Log.Warningf("Skip marking node %s with status = %s as UP", endpoint, StatusShutdown)

        return
    }

    Log.Debugf("marking as alive %s", endpoint)

    coordinator.withState(endpoint, func(endpointState *EndpointState) {
        endpointState.Alive = true
        // prevents the status check from racing us and evicting if it was
        // down longer than A_VERY_LONG_TIME
        endpointState.UpdateTimestampNow()
        localState = endpointState.Clone()
    })

    coordinator.clearUnreachable(endpoint)

    gossiper.mu.Lock()
    delete(gossiper.expireTimeEndpointMap, endpoint)
    gossiper.mu.Unlock()

    if !coordinator.addLive(endpoint) {
        return
    }

    gossiper.store.UpdateLiveEndpointsVersion()

    gossiper.mu.Lock()

    if len(gossiper.endpointsToTalkWith) == 0 {
        gossiper.endpointsToTalkWith = append(gossiper.endpointsToTalkWith, []string{ endpoint })
    } else {
        gossiper.endpointsToTalkWith[0] = append(gossiper.endpointsToTalkWith[0], endpoint)
    }

    gossiper.mu.Unlock()

    if !gossiper.IsInShadowRound() {
        Log.Infof("InetAddress %s is now UP, status = %s", endpoint, localState.Status())
    }

    gossiper.notifier.notifyAlive(endpoint, localState)
}

// markDead moves the endpoint to the unreachable set and notifies
// subscribers. Callers hold the per-endpoint lock.
func (gossiper *Gossiper) markDead(endpoint string) {
    Log.Debugf("marking as down %s", endpoint)

    coordinator := gossiper.store.Coordinator()
    var localState *EndpointState

    coordinator.withState(endpoint, func(endpointState *EndpointState) {
        endpointState.Alive = false
        localState = endpointState.Clone()
    })

    if localState == nil {
        return
    }

    if coordinator.removeLive(endpoint) {
        gossiper.store.UpdateLiveEndpointsVersion()
    }

    coordinator.setUnreachable(endpoint, time.Now())

    Log.Infof("InetAddress %s is now DOWN, status = %s", endpoint, localState.Status())
    gossiper.notifier.notifyDead(endpoint, localState)
}

// markAsShutdown handles a node that gracefully exited on its own and told
// us about it. Callers hold the per-endpoint lock.
func (gossiper *Gossiper) markAsShutdown(endpoint string) {
    coordinator := gossiper.store.Coordinator()
    var localState *EndpointState

    coordinator.withState(endpoint, func(endpointState *EndpointState) {
        endpointState.AddApplicationState(AppStateStatus, VersionedValue{
            Value: StatusShutdown + ",true",
            Version: endpointState.HeartBeat.Version,
        })
        endpointState.HeartBeat.ForceHighestPossibleVersionUnsafe()
        localState = endpointState.Clone()
    })

    if localState == nil {
        return
    }

    gossiper.store.ReplicateFull(endpoint, localState)
    gossiper.markDead(endpoint)
}

// Convict is invoked by the failure detectors when an endpoint stopped
// answering. A peer that announced shutdown is marked as shutdown instead of
// merely dead.
func (gossiper *Gossiper) Convict(endpoint string) {
    release := gossiper.store.LockEndpoint(endpoint)
    defer release()

    localState, ok := gossiper.store.Coordinator().EndpointState(endpoint)

    if !ok || !localState.Alive {
        return
    }

    if localState.Status() == StatusShutdown {
        gossiper.markAsShutdown(endpoint)
    } else {
        gossiper.markDead(endpoint)
    }
}

// AddLocalApplicationState publishes one local application state value. Its
// version is rewritten to the next monotonic counter before it becomes
// visible.
func (gossiper *Gossiper) AddLocalApplicationState(key ApplicationStateKey, value VersionedValue) error {
    return gossiper.AddLocalApplicationStates(map[ApplicationStateKey]VersionedValue{ key: value })
}

// AddLocalApplicationStates applies several local states atomically under the
// self endpoint lock: one before-change pass, one versioned apply pass, then
// per-key replication and on-change notifications.
func (gossiper *Gossiper) AddLocalApplicationStates(states map[ApplicationStateKey]VersionedValue) error {
    if len(states) == 0 {
        return nil
    }

    localAddress := gossiper.config.LocalAddress
    coordinator := gossiper.store.Coordinator()

    // for symmetry with the remote apply paths, take the endpoint lock for
    // our own address
    release := gossiper.store.LockEndpoint(localAddress)
    defer release()

    stateBefore, ok := coordinator.EndpointState(localAddress)

    if !ok {
        Log.Warningf("Fail to apply application_state: endpoint_state_map does not contain endpoint = %s", localAddress)

        return ENoLocalState
    }

    keys := make([]ApplicationStateKey, 0, len(states))

    for key, _ := range states {
        keys = append(keys, key)
    }

    sort.Slice(keys, func(i, j int) bool {
        return keys[i] < keys[j]
    })

    for _, key := range keys {
        gossiper.notifier.notifyBeforeChange(localAddress, stateBefore, key, states[key])
    }

    // Notifications may have taken some time, so preventively raise the
    // version of the new values, otherwise they could be ignored by a remote
    // node if a newer value was received in the meantime
    applied := make(map[ApplicationStateKey]VersionedValue, len(states))

    updated := coordinator.withState(localAddress, func(endpointState *EndpointState) {
        for _, key := range keys {
            value := states[key]
            value.Version = gossiper.versions.NextVersion()
            endpointState.AddApplicationState(key, value)
            applied[key] = value
        }
    })

    if !updated {
        return ENoLocalState
    }

    for _, key := range keys {
        gossiper.store.ReplicateKeys(localAddress, applied, []ApplicationStateKey{ key })
        gossiper.notifier.notifyChange(localAddress, key, applied[key])
    }

    return nil
}

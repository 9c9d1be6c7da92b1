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
    "fmt"
    "time"

    . "github.com/PelionIoT/memberdb/logging"
)

// TokenMetadataView answers whether an endpoint is a member of the token
// ring. A gossip participant that is not a ring member is a fat client.
type TokenMetadataView interface {
    IsMember(endpoint string) bool
}

// gossipedTokenMetadata derives ring membership from the TOKENS application
// state disseminated through gossip. Deployments embedding the core into a
// node with its own token metadata override this through UseTokenMetadata.
type gossipedTokenMetadata struct {
    gossiper *Gossiper
}

func (tokenMetadata *gossipedTokenMetadata) IsMember(endpoint string) bool {
    endpointState, ok := tokenMetadata.gossiper.store.Coordinator().EndpointState(endpoint)

    if !ok {
        return false
    }

    tokens, ok := endpointState.GetApplicationState(AppStateTokens)

    return ok && len(tokens.Value) > 0
}

// IsGossipOnlyMember reports whether the endpoint participates in gossip
// without being a ring member.
func (gossiper *Gossiper) IsGossipOnlyMember(endpoint string) bool {
    endpointState, ok := gossiper.store.Coordinator().EndpointState(endpoint)

    if !ok {
        return false
    }

    return !endpointState.IsDeadState() && !gossiper.tokenMetadata.IsMember(endpoint)
}

func (gossiper *Gossiper) isQuarantined(endpoint string) bool {
    gossiper.mu.Lock()
    defer gossiper.mu.Unlock()

    _, quarantined := gossiper.justRemovedEndpoints[endpoint]

    return quarantined
}

// QuarantinedEndpoints returns the endpoints currently in quarantine with the
// time each entered it.
func (gossiper *Gossiper) QuarantinedEndpoints() map[string]time.Time {
    gossiper.mu.Lock()
    defer gossiper.mu.Unlock()

    quarantined := make(map[string]time.Time, len(gossiper.justRemovedEndpoints))

    for endpoint, quarantineStart := range gossiper.justRemovedEndpoints {
        quarantined[endpoint] = quarantineStart
    }

    return quarantined
}

func (gossiper *Gossiper) quarantineEndpoint(endpoint string) {
    gossiper.quarantineEndpointAt(endpoint, time.Now())
}

func (gossiper *Gossiper) quarantineEndpointAt(endpoint string, quarantineStart time.Time) {
    gossiper.mu.Lock()
    defer gossiper.mu.Unlock()

    gossiper.justRemovedEndpoints[endpoint] = quarantineStart
}

func (gossiper *Gossiper) expireTimeForEndpoint(endpoint string) time.Time {
    gossiper.mu.Lock()
    defer gossiper.mu.Unlock()

    if expireTime, ok := gossiper.expireTimeEndpointMap[endpoint]; ok {
        return expireTime
    }

    return computeExpireTime()
}

func computeExpireTime() time.Time {
    return time.Now().Add(AVeryLongTime)
}

func (gossiper *Gossiper) addExpireTimeForEndpoint(endpoint string, expireTime time.Time) {
    Log.Infof("Node %s will be removed from gossip at [%s]", endpoint, expireTime.Format("2006-01-02 15:04:05"))

    gossiper.mu.Lock()
    defer gossiper.mu.Unlock()

    gossiper.expireTimeEndpointMap[endpoint] = expireTime
}

// doStatusCheck removes fat clients that went silent, evicts dead endpoints
// whose expire time passed and clears stale quarantine entries.
func (gossiper *Gossiper) doStatusCheck() {
    Log.Debugf("Performing status check ...")

    now := time.Now()
    coordinator := gossiper.store.Coordinator()

    for _, endpoint := range coordinator.Endpoints() {
        if endpoint == gossiper.config.LocalAddress {
            continue
        }

        endpointState, ok := coordinator.EndpointState(endpoint)

        if !ok {
            continue
        }

        // fat clients are removed automatically from gossip after the fat
        // client timeout; dead states are not removed here
        if gossiper.IsGossipOnlyMember(endpoint) &&
            !gossiper.isQuarantined(endpoint) &&
            now.Sub(endpointState.UpdateTimestamp) > gossiper.fatClientTimeout() {
            Log.Infof("FatClient %s has been silent for %dms, removing from gossip", endpoint, gossiper.fatClientTimeout() / time.Millisecond)

            // removeEndpoint puts it in quarantine to respect the quarantine
            // delay; evictFromMembership gets rid of the state immediately
            gossiper.removeEndpoint(endpoint)
            gossiper.evictFromMembership(endpoint)
        }

        if !endpointState.Alive && now.After(gossiper.expireTimeForEndpoint(endpoint)) &&
            !gossiper.tokenMetadata.IsMember(endpoint) {
            Log.Debugf("time is expiring for endpoint : %s", endpoint)
            gossiper.evictFromMembership(endpoint)
        }
    }

    gossiper.mu.Lock()

    for endpoint, quarantineStart := range gossiper.justRemovedEndpoints {
        if now.Sub(quarantineStart) > gossiper.QuarantineDelay() {
            Log.Infof("%dms elapsed, %s gossip quarantine over", gossiper.QuarantineDelay() / time.Millisecond, endpoint)
            delete(gossiper.justRemovedEndpoints, endpoint)
        }
    }

    gossiper.mu.Unlock()
}

// evictFromMembership removes the endpoint from every copy of the state map
// and places it in quarantine.
func (gossiper *Gossiper) evictFromMembership(endpoint string) {
    release := gossiper.store.LockEndpoint(endpoint)
    defer release()

    gossiper.store.Coordinator().clearUnreachable(endpoint)
    gossiper.store.Evict(endpoint)

    gossiper.mu.Lock()
    delete(gossiper.expireTimeEndpointMap, endpoint)
    gossiper.mu.Unlock()

    gossiper.quarantineEndpoint(endpoint)

    Log.Debugf("evicting %s from gossip", endpoint)
}

// removeEndpoint takes the endpoint out of the membership sets and
// quarantines it. Subscribers run first so anything that depends on gossiper
// state won't get confused.
func (gossiper *Gossiper) removeEndpoint(endpoint string) {
    gossiper.notifier.notifyRemove(endpoint)

    gossiper.mu.Lock()

    if gossiper.seeds[endpoint] {
        delete(gossiper.seeds, endpoint)
        Log.Infof("removed %s from seeds, updated seeds list", endpoint)
    }

    delete(gossiper.synHandlers, endpoint)
    delete(gossiper.ackHandlers, endpoint)
    gossiper.mu.Unlock()

    coordinator := gossiper.store.Coordinator()

    if coordinator.removeLive(endpoint) {
        gossiper.store.UpdateLiveEndpointsVersion()
    }

    coordinator.clearUnreachable(endpoint)
    gossiper.quarantineEndpoint(endpoint)

    Log.Debugf("removing endpoint %s", endpoint)
}

// ForceRemoveEndpoint removes the endpoint right away without the ring delay
// dance.
func (gossiper *Gossiper) ForceRemoveEndpoint(endpoint string) error {
    if endpoint == gossiper.config.LocalAddress {
        return EAssassinateSelf
    }

    gossiper.removeEndpoint(endpoint)
    gossiper.evictFromMembership(endpoint)

    Log.Infof("Finished to force remove node %s", endpoint)

    return nil
}

// AdvertiseRemoving publishes STATUS=removing on behalf of the endpoint after
// verifying its generation stayed put for a full ring delay.
func (gossiper *Gossiper) AdvertiseRemoving(endpoint string, hostID string, localHostID string) error {
    endpointState, ok := gossiper.store.Coordinator().EndpointState(endpoint)

    if !ok {
        return EUnknownEndpoint
    }

    // remember this node's generation
    generation := endpointState.HeartBeat.Generation

    Log.Infof("Removing host: %s", hostID)

    ringDelay := time.Duration(gossiper.config.RingDelayMs) * time.Millisecond

    Log.Infof("Sleeping for %dms to ensure %s does not change", ringDelay / time.Millisecond, endpoint)

    if !gossiper.sleep(ringDelay) {
        return EGossipDisabled
    }

    endpointState, ok = gossiper.store.Coordinator().EndpointState(endpoint)

    if !ok {
        return EUnknownEndpoint
    }

    if endpointState.HeartBeat.Generation != generation {
        return EEndpointChanged
    }

    Log.Infof("Advertising removal for %s", endpoint)

    release := gossiper.store.LockEndpoint(endpoint)
    defer release()

    var updated *EndpointState

    gossiper.store.Coordinator().withState(endpoint, func(endpointState *EndpointState) {
        endpointState.UpdateTimestampNow() // make sure we don't evict it too soon
        endpointState.HeartBeat.ForceNewerGenerationUnsafe()
        endpointState.AddApplicationState(AppStateStatus, VersionedValue{
            Value: StatusRemovingToken + "," + hostID,
            Version: gossiper.versions.NextVersion(),
        })
        endpointState.AddApplicationState(AppStateRemovalCoordinator, VersionedValue{
            Value: "REMOVER," + localHostID,
            Version: gossiper.versions.NextVersion(),
        })
        updated = endpointState.Clone()
    })

    if updated != nil {
        gossiper.store.ReplicateFull(endpoint, updated)
    }

    return nil
}

// AdvertiseTokenRemoved publishes STATUS=removed with a far future expiry and
// waits for at least one gossip round to pass it on.
func (gossiper *Gossiper) AdvertiseTokenRemoved(endpoint string, hostID string) error {
    release := gossiper.store.LockEndpoint(endpoint)

    expireTime := computeExpireTime()
    var updated *EndpointState

    gossiper.store.Coordinator().withState(endpoint, func(endpointState *EndpointState) {
        endpointState.UpdateTimestampNow() // make sure we don't evict it too soon
        endpointState.HeartBeat.ForceNewerGenerationUnsafe()
        endpointState.AddApplicationState(AppStateStatus, VersionedValue{
            Value: fmt.Sprintf("%s,%s,%d", StatusRemovedToken, hostID, expireTime.UnixNano()),
            Version: gossiper.versions.NextVersion(),
        })
        updated = endpointState.Clone()
    })

    if updated == nil {
        release()

        return EUnknownEndpoint
    }

    Log.Infof("Completing removal of %s", endpoint)

    gossiper.addExpireTimeForEndpoint(endpoint, expireTime)
    gossiper.store.ReplicateFull(endpoint, updated)
    release()

    // ensure at least one gossip round occurs before returning
    gossiper.sleep(GossipInterval * 2)

    return nil
}

// AssassinateEndpoint synthesizes a STATUS=LEFT entry with a far future
// expiry and a bumped generation, pushes it as a major state change and
// evicts the endpoint. Used as a last resort against a node that can not be
// removed cleanly.
func (gossiper *Gossiper) AssassinateEndpoint(endpoint string) error {
    if endpoint == gossiper.config.LocalAddress {
        return EAssassinateSelf
    }

    coordinator := gossiper.store.Coordinator()
    endpointState, hasState := coordinator.EndpointState(endpoint)

    Log.Warningf("Assassinating %s via gossip", endpoint)

    var assassinated *EndpointState

    if hasState {
        generation := endpointState.HeartBeat.Generation
        heartbeat := endpointState.HeartBeat.Version
        ringDelay := time.Duration(gossiper.config.RingDelayMs) * time.Millisecond

        Log.Infof("Sleeping for %dms to ensure %s does not change", ringDelay / time.Millisecond, endpoint)

        if !gossiper.sleep(ringDelay) {
            return EGossipDisabled
        }

        newState, stillThere := coordinator.EndpointState(endpoint)

        if !stillThere {
            Log.Warningf("Endpoint %s disappeared while trying to assassinate, continuing anyway", endpoint)
        } else {
            if newState.HeartBeat.Generation != generation {
                return EEndpointChanged
            }

            if newState.HeartBeat.Version != heartbeat {
                return EEndpointChanged
            }
        }

        assassinated = endpointState.Clone()
        assassinated.UpdateTimestampNow() // make sure we don't evict it too soon
        assassinated.HeartBeat.ForceNewerGenerationUnsafe()
    } else {
        // never seen this node: synthesize a state that wins regardless
        assassinated = NewEndpointState(HeartBeatState{
            Generation: CurrentGenerationNumber() + 60,
            Version: 9999,
        })
    }

    expireTime := computeExpireTime()
    assassinated.AddApplicationState(AppStateStatus, VersionedValue{
        Value: fmt.Sprintf("%s,%d", StatusLeft, expireTime.UnixNano()),
        Version: gossiper.versions.NextVersion(),
    })

    // do not pass go, do not collect 200 dollars, just gtfo
    release := gossiper.store.LockEndpoint(endpoint)
    gossiper.handleMajorStateChange(endpoint, assassinated)
    release()

    gossiper.sleep(GossipInterval * 4)

    gossiper.evictFromMembership(endpoint)

    Log.Warningf("Finished assassinating %s", endpoint)

    return nil
}

// AddSavedEndpoint seeds the state map at startup with an endpoint
// remembered from the persisted peer table. The endpoint starts out
// unreachable with generation zero so the first rounds reach for it.
func (gossiper *Gossiper) AddSavedEndpoint(endpoint string) {
    if endpoint == gossiper.config.LocalAddress {
        Log.Debugf("Attempt to add self as saved endpoint")

        return
    }

    release := gossiper.store.LockEndpoint(endpoint)
    defer release()

    coordinator := gossiper.store.Coordinator()

    // preserve any previously known, in-memory data about the endpoint
    endpointState, ok := coordinator.EndpointState(endpoint)

    if ok {
        Log.Debugf("not replacing a previous ep_state for %s, but reusing it", endpoint)
        endpointState.HeartBeat = NewHeartBeatState(0)
        endpointState.UpdateTimestampNow()
    } else {
        endpointState = NewEndpointState(NewHeartBeatState(0))
    }

    endpointState.Alive = false
    gossiper.store.ApplyLocal(endpoint, endpointState)
    coordinator.setUnreachable(endpoint, time.Now())

    Log.Debugf("Adding saved endpoint %s %d", endpoint, endpointState.HeartBeat.Generation)
}

// GenerationForNodes collects the current generation of each given node.
func (gossiper *Gossiper) GenerationForNodes(nodes []string) (map[string]int32, error) {
    generations := make(map[string]int32, len(nodes))

    for _, node := range nodes {
        endpointState, ok := gossiper.store.Coordinator().EndpointState(node)

        if !ok {
            return nil, EUnknownEndpoint
        }

        generations[node] = endpointState.HeartBeat.Generation
    }

    return generations, nil
}

// AdvertiseToNodes restricts echo replies to the given nodes at the given
// generations. Used when replacing a node to stay invisible to the rest of
// the cluster.
func (gossiper *Gossiper) AdvertiseToNodes(nodes map[string]int32) {
    gossiper.mu.Lock()
    defer gossiper.mu.Unlock()

    gossiper.advertiseToNodes = nodes
    gossiper.advertiseMyself = true
}

// WaitAlive blocks until all the given nodes are alive or the timeout
// passes.
func (gossiper *Gossiper) WaitAlive(nodes []string, timeout time.Duration) error {
    start := time.Now()

    for {
        liveNodes := make([]string, 0, len(nodes))

        for _, node := range nodes {
            if gossiper.IsAlive(node) {
                liveNodes = append(liveNodes, node)
            }
        }

        if len(liveNodes) == len(nodes) {
            return nil
        }

        if time.Since(start) > timeout {
            return fmt.Errorf("Failed to mark nodes as alive in %dms, nodes=%v, live_nodes=%v", timeout / time.Millisecond, nodes, liveNodes)
        }

        if !gossiper.sleep(100 * time.Millisecond) {
            return EGossipDisabled
        }
    }
}

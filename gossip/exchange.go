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
    "math/rand"

    . "github.com/PelionIoT/memberdb/logging"
)

// HandleSyn processes an incoming digest synopsis. At most one SYN per source
// is being processed at a time; while one is in flight only the newest
// further SYN from that source is kept.
func (gossiper *Gossiper) HandleSyn(from string, syn GossipDigestSyn) {
    if !gossiper.IsEnabled() {
        return
    }

    if gossiper.backgroundTasks.Enter() != nil {
        return
    }

    go func() {
        defer gossiper.backgroundTasks.Leave()

        gossiper.handleSynMsg(from, syn)
    }()
}

func (gossiper *Gossiper) handleSynMsg(from string, syn GossipDigestSyn) {
    Log.Debugf("handle_syn_msg(): from=%s, cluster_name: peer=%s local=%s", from, syn.ClusterName, gossiper.config.ClusterName)

    // If the message is from a different cluster throw it away
    if syn.ClusterName != gossiper.config.ClusterName {
        Log.Warningf("ClusterName mismatch from %s %s!=%s", from, syn.ClusterName, gossiper.config.ClusterName)

        return
    }

    if syn.PartitionerName != "" && syn.PartitionerName != gossiper.config.PartitionerName {
        Log.Warningf("Partitioner mismatch from %s %s!=%s", from, syn.PartitionerName, gossiper.config.PartitionerName)

        return
    }

    gossiper.mu.Lock()

    p, ok := gossiper.synHandlers[from]

    if !ok {
        p = &pendingSynState{ }
        gossiper.synHandlers[from] = p
    }

    if p.pending {
        // The latest syn message from the peer carries the latest
        // information, so it is safe to drop any previously stashed syn and
        // keep the newest one only
        Log.Debugf("Queue gossip syn msg from node %s", from)
        p.stashed = &syn
        gossiper.mu.Unlock()

        return
    }

    p.pending = true
    gossiper.mu.Unlock()

    for {
        err := gossiper.doSendAck(from, syn)

        gossiper.mu.Lock()

        p, ok := gossiper.synHandlers[from]

        if !ok {
            gossiper.mu.Unlock()

            return
        }

        if err != nil {
            p.pending = false
            p.stashed = nil
            gossiper.mu.Unlock()

            Log.Warningf("Failed to process gossip syn msg from node %s: %v", from, err)

            return
        }

        if p.stashed != nil {
            Log.Debugf("Handle queued gossip syn msg from node %s", from)
            syn = *p.stashed
            p.stashed = nil
            gossiper.mu.Unlock()

            continue
        }

        p.pending = false
        gossiper.mu.Unlock()

        return
    }
}

func (gossiper *Gossiper) doSendAck(from string, syn GossipDigestSyn) error {
    digests := syn.Digests

    SortDigestsByDivergence(digests, func(endpoint string) int32 {
        endpointState, ok := gossiper.store.Coordinator().EndpointState(endpoint)

        if !ok {
            return 0
        }

        return endpointState.MaxVersion()
    })

    deltaDigests, deltaStates := gossiper.examineGossiper(digests)
    ack := GossipDigestAck{ Digests: deltaDigests, EndpointStates: deltaStates }

    Log.Debugf("Calling do_send_ack_msg to node %s", from)

    return gossiper.sender.SendAck(gossiper.context(), from, ack)
}

// shouldCountAsMsgProcessing reports whether the state map carries anything
// beyond high frequency noise. Only such messages hold off gossip settling.
func shouldCountAsMsgProcessing(states map[string]*EndpointState) bool {
    for _, endpointState := range states {
        for key, _ := range endpointState.ApplicationStates {
            highFrequency := false

            for _, noisy := range HighFrequencyStateKeys {
                if key == noisy {
                    highFrequency = true

                    break
                }
            }

            if !highFrequency {
                return true
            }
        }
    }

    return false
}

// HandleAck applies the peer's deltas and answers the peer's requests with an
// ACK2. Coalesced per source like SYN handling.
func (gossiper *Gossiper) HandleAck(from string, ack GossipDigestAck) {
    if !gossiper.IsEnabled() && !gossiper.IsInShadowRound() {
        return
    }

    if gossiper.backgroundTasks.Enter() != nil {
        return
    }

    go func() {
        defer gossiper.backgroundTasks.Leave()

        gossiper.handleAckMsg(from, ack)
    }()
}

func (gossiper *Gossiper) handleAckMsg(from string, ack GossipDigestAck) {
    Log.Debugf("handle_ack_msg(): from=%s", from)

    countAsMsgProcessing := shouldCountAsMsgProcessing(ack.EndpointStates)

    if countAsMsgProcessing {
        gossiper.adjustMsgProcessing(1)
        defer gossiper.adjustMsgProcessing(-1)
    }

    if len(ack.EndpointStates) > 0 {
        gossiper.updateTimestampForNodes(ack.EndpointStates)
        gossiper.applyStateLocally(ack.EndpointStates)
    }

    if gossiper.IsInShadowRound() {
        gossiper.finishShadowRound()

        // don't bother doing anything else, we have what we came for
        return
    }

    ackDigests := ack.Digests

    gossiper.mu.Lock()

    p, ok := gossiper.ackHandlers[from]

    if !ok {
        p = &pendingAckState{ }
        gossiper.ackHandlers[from] = p
    }

    if p.pending {
        Log.Debugf("Queue gossip ack msg digests from node %s", from)
        p.stashed = ackDigests
        gossiper.mu.Unlock()

        return
    }

    p.pending = true
    gossiper.mu.Unlock()

    for {
        err := gossiper.doSendAck2(from, ackDigests)

        gossiper.mu.Lock()

        p, ok := gossiper.ackHandlers[from]

        if !ok {
            gossiper.mu.Unlock()

            return
        }

        if err != nil {
            p.pending = false
            p.stashed = nil
            gossiper.mu.Unlock()

            Log.Warningf("Failed to process gossip ack msg digests from node %s: %v", from, err)

            return
        }

        if p.stashed != nil {
            Log.Debugf("Handle queued gossip ack msg digests from node %s", from)
            ackDigests = p.stashed
            p.stashed = nil
            gossiper.mu.Unlock()

            continue
        }

        p.pending = false
        gossiper.mu.Unlock()

        return
    }
}

func (gossiper *Gossiper) adjustMsgProcessing(delta int) {
    gossiper.mu.Lock()
    defer gossiper.mu.Unlock()

    gossiper.msgProcessing += delta
}

func (gossiper *Gossiper) doSendAck2(from string, ackDigests []GossipDigest) error {
    // Get the state the gossipee asked for
    deltaStates := make(map[string]*EndpointState)

    for _, digest := range ackDigests {
        endpointState, ok := gossiper.store.Coordinator().EndpointState(digest.Endpoint)

        if !ok {
            continue
        }

        if reqd := endpointState.StateForVersionBiggerThan(digest.MaxVersion); reqd != nil {
            deltaStates[digest.Endpoint] = reqd
        }
    }

    Log.Debugf("Calling do_send_ack2_msg to node %s", from)

    return gossiper.sender.SendAck2(gossiper.context(), from, GossipDigestAck2{ EndpointStates: deltaStates })
}

// HandleAck2 applies the final set of deltas. No reply is produced.
func (gossiper *Gossiper) HandleAck2(from string, ack2 GossipDigestAck2) {
    if !gossiper.IsEnabled() {
        return
    }

    if gossiper.backgroundTasks.Enter() != nil {
        return
    }

    go func() {
        defer gossiper.backgroundTasks.Leave()

        countAsMsgProcessing := shouldCountAsMsgProcessing(ack2.EndpointStates)

        if countAsMsgProcessing {
            gossiper.adjustMsgProcessing(1)
            defer gossiper.adjustMsgProcessing(-1)
        }

        gossiper.updateTimestampForNodes(ack2.EndpointStates)
        gossiper.applyStateLocally(ack2.EndpointStates)
    }()
}

// HandleEcho answers a liveness probe. An error reply tells the prober not to
// treat this node as up.
func (gossiper *Gossiper) HandleEcho(from string, generationNumber *int32) error {
    gossiper.mu.Lock()
    advertiseMyself := gossiper.advertiseMyself
    advertiseToNodes := gossiper.advertiseToNodes
    gossiper.mu.Unlock()

    if !advertiseMyself {
        return EEchoNotReady
    }

    if len(advertiseToNodes) > 0 {
        savedGenerationNumber, ok := advertiseToNodes[from]

        if !ok {
            return EEchoNotReady
        }

        endpointState, hasState := gossiper.store.Coordinator().EndpointState(from)

        if !hasState {
            return EEchoNotReady
        }

        currentGenerationNumber := endpointState.HeartBeat.Generation

        if generationNumber != nil {
            currentGenerationNumber = *generationNumber
        }

        Log.Debugf("handle_echo_msg: from=%s, saved_generation_number=%d, current_generation_number=%d",
            from, savedGenerationNumber, currentGenerationNumber)

        if savedGenerationNumber != currentGenerationNumber {
            return EEchoNotReady
        }
    }

    return nil
}

// HandleShutdown processes a graceful shutdown notice from a peer. The
// response was already produced by the transport; the state transition runs
// in the background.
func (gossiper *Gossiper) HandleShutdown(from string, generationNumber *int32) {
    if !gossiper.IsEnabled() {
        Log.Debugf("Ignoring shutdown message from %s because gossip is disabled", from)

        return
    }

    if gossiper.backgroundTasks.Enter() != nil {
        return
    }

    go func() {
        defer gossiper.backgroundTasks.Leave()

        release := gossiper.store.LockEndpoint(from)
        defer release()

        if generationNumber != nil {
            endpointState, ok := gossiper.store.Coordinator().EndpointState(from)

            if !ok {
                Log.Warningf("Ignoring shutdown message from %s because generation number does not match, received_generation=%d, local_generation=not found",
                    from, *generationNumber)

                return
            }

            localGeneration := endpointState.HeartBeat.Generation

            Log.Infof("Got shutdown message from %s, received_generation=%d, local_generation=%d", from, *generationNumber, localGeneration)

            if localGeneration != *generationNumber {
                Log.Warningf("Ignoring shutdown message from %s because generation number does not match, received_generation=%d, local_generation=%d",
                    from, *generationNumber, localGeneration)

                return
            }
        }

        gossiper.markAsShutdown(from)
    }()
}

// HandleGetEndpointStates answers a shadow round probe with the wanted subset
// of every known endpoint state.
func (gossiper *Gossiper) HandleGetEndpointStates(request GetEndpointStatesRequest) *GetEndpointStatesResponse {
    wanted := make(map[ApplicationStateKey]bool, len(request.WantedKeys))

    for _, key := range request.WantedKeys {
        wanted[key] = true
    }

    coordinator := gossiper.store.Coordinator()
    states := make(map[string]*EndpointState)

    for _, endpoint := range coordinator.Endpoints() {
        endpointState, ok := coordinator.EndpointState(endpoint)

        if !ok {
            continue
        }

        stateWanted := NewEndpointState(endpointState.HeartBeat)

        for key, value := range endpointState.ApplicationStates {
            if len(wanted) == 0 || wanted[key] {
                stateWanted.AddApplicationState(key, value)
            }
        }

        states[endpoint] = stateWanted
    }

    return &GetEndpointStatesResponse{ EndpointStates: states }
}

// sendGossip sends the SYN to one random member of the set in the
// background. Transport failures are expected when the peer is down and are
// only traced.
func (gossiper *Gossiper) sendGossip(syn GossipDigestSyn, endpoints []string) {
    if len(endpoints) < 1 {
        return
    }

    to := endpoints[rand.Intn(len(endpoints))]

    if gossiper.backgroundTasks.Enter() != nil {
        return
    }

    go func() {
        defer gossiper.backgroundTasks.Leave()

        Log.Debugf("Sending a GossipDigestSyn to %s ...", to)

        if err := gossiper.sender.SendSyn(gossiper.context(), to, syn); err != nil {
            // It is normal to reach here: a node keeps trying to talk to a
            // peer that is down before the failure detector notices
            Log.Debugf("Fail to send GossipDigestSyn to %s: %v", to, err)
        }
    }()
}

func (gossiper *Gossiper) doGossipToLiveMember(syn GossipDigestSyn, endpoint string) {
    gossiper.sendGossip(syn, []string{ endpoint })
}

// doGossipToUnreachableMember probes a random unreachable peer with
// probability unreachable/(live+1) to check whether it is back up.
func (gossiper *Gossiper) doGossipToUnreachableMember(syn GossipDigestSyn) {
    coordinator := gossiper.store.Coordinator()
    liveCount := float64(len(coordinator.LiveEndpoints()))
    unreachable := coordinator.UnreachableEndpoints()
    unreachableCount := float64(len(unreachable))

    if unreachableCount == 0 {
        return
    }

    prob := unreachableCount / (liveCount + 1)

    if rand.Float64() >= prob {
        return
    }

    endpoints := make([]string, 0, len(unreachable))

    for endpoint, _ := range unreachable {
        // Ignore nodes which were decommissioned
        if gossiper.GossipStatus(endpoint) != StatusLeft {
            endpoints = append(endpoints, endpoint)
        }
    }

    Log.Debugf("do_gossip_to_unreachable_member: live_endpoint nr=%v unreachable_endpoints nr=%v", liveCount, unreachableCount)
    gossiper.sendGossip(syn, endpoints)
}

// examineGossiper compares every incoming digest against the local view and
// produces the request digests and state deltas that make up the ACK.
func (gossiper *Gossiper) examineGossiper(digests []GossipDigest) ([]GossipDigest, map[string]*EndpointState) {
    deltaDigests := make([]GossipDigest, 0)
    deltaStates := make(map[string]*EndpointState)
    coordinator := gossiper.store.Coordinator()

    if len(digests) == 0 {
        // We've been sent a completely empty syn, which should normally
        // never happen since an endpoint will at least send a syn with
        // itself. The sender is running a shadow round: reply with
        // everything we know.
        Log.Debugf("Shadow request received, adding all states")

        for _, endpoint := range coordinator.Endpoints() {
            digests = append(digests, GossipDigest{ Endpoint: endpoint, Generation: 0, MaxVersion: 0 })
        }
    }

    for _, digest := range digests {
        remoteGeneration := digest.Generation
        maxRemoteVersion := digest.MaxVersion
        endpointState, ok := coordinator.EndpointState(digest.Endpoint)

        if !ok {
            // We have no data for this endpoint locally so request everything
            deltaDigests = append(deltaDigests, GossipDigest{ Endpoint: digest.Endpoint, Generation: remoteGeneration, MaxVersion: 0 })

            continue
        }

        localGeneration := endpointState.HeartBeat.Generation
        maxLocalVersion := endpointState.MaxVersion()

        Log.Debugf("examine_gossiper(): ep=%s, remote=%d.%d, local=%d.%d", digest.Endpoint,
            remoteGeneration, maxRemoteVersion, localGeneration, maxLocalVersion)

        if remoteGeneration == localGeneration && maxRemoteVersion == maxLocalVersion {
            continue
        }

        if remoteGeneration > localGeneration {
            // Request everything from the gossiper
            deltaDigests = append(deltaDigests, GossipDigest{ Endpoint: digest.Endpoint, Generation: remoteGeneration, MaxVersion: 0 })
        } else if remoteGeneration < localGeneration {
            // Send everything with generation = local generation and version > 0
            if reqd := endpointState.StateForVersionBiggerThan(0); reqd != nil {
                deltaStates[digest.Endpoint] = reqd
            }
        } else if maxRemoteVersion > maxLocalVersion {
            // Request the data we lack beyond our local max version
            deltaDigests = append(deltaDigests, GossipDigest{ Endpoint: digest.Endpoint, Generation: remoteGeneration, MaxVersion: maxLocalVersion })
        } else if maxRemoteVersion < maxLocalVersion {
            // Send the data the peer lacks beyond its max version
            if reqd := endpointState.StateForVersionBiggerThan(maxRemoteVersion); reqd != nil {
                deltaStates[digest.Endpoint] = reqd
            }
        }
    }

    return deltaDigests, deltaStates
}

// updateTimestampForNodes refreshes the update timestamp of every node the
// remote map mentions with a newer generation, or with the same generation
// and a heartbeat version above our local max version.
func (gossiper *Gossiper) updateTimestampForNodes(states map[string]*EndpointState) {
    coordinator := gossiper.store.Coordinator()

    for endpoint, remoteState := range states {
        localState, ok := coordinator.EndpointState(endpoint)

        if !ok {
            continue
        }

        update := false
        localGeneration := localState.HeartBeat.Generation
        remoteGeneration := remoteState.HeartBeat.Generation

        if remoteGeneration > localGeneration {
            update = true
        } else if remoteGeneration == localGeneration && remoteState.HeartBeat.Version > localState.MaxVersion() {
            update = true
        }

        if update {
            Log.Debugf("Updated timestamp for node %s", endpoint)
            coordinator.withState(endpoint, func(endpointState *EndpointState) {
                endpointState.UpdateTimestampNow()
            })
        }
    }
}

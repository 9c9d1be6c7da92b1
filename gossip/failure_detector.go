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
    "sort"
    "sync"
    "time"

    . "github.com/PelionIoT/memberdb/logging"
)

// failureDetectorLoop is the active echo based failure detector. Whenever the
// live list is non empty it snapshots it, runs one per-peer probe task per
// entry spread across the replicas, waits for them all to retire and convicts
// any peer that dropped out of the live list between snapshots.
func (gossiper *Gossiper) failureDetectorLoop() {
    defer close(gossiper.fdLoopDone)

    Log.Infof("failure_detector_loop: Started main loop")

    coordinator := gossiper.store.Coordinator()

    for gossiper.IsEnabled() {
        for len(coordinator.LiveEndpoints()) == 0 && gossiper.IsEnabled() {
            Log.Debugf("failure_detector_loop: Wait until live_nodes is not empty")

            if !gossiper.sleep(time.Second) {
                return
            }
        }

        if !gossiper.IsEnabled() {
            return
        }

        nodes := coordinator.LiveEndpoints()
        liveEndpointsVersion := coordinator.LiveEndpointsVersion()

        var generationNumber int32

        if localState, ok := coordinator.EndpointState(gossiper.config.LocalAddress); ok {
            generationNumber = localState.HeartBeat.Generation
        }

        var wg sync.WaitGroup

        for i, node := range nodes {
            replicaIndex := i % gossiper.store.ReplicaCount()

            Log.Debugf("failure_detector_loop: Started new round for node=%s on replica=%d, live_endpoints_version=%d",
                node, replicaIndex, liveEndpointsVersion)

            wg.Add(1)

            go func(node string, replicaIndex int) {
                defer wg.Done()

                gossiper.failureDetectorLoopForNode(node, generationNumber, liveEndpointsVersion, replicaIndex)
            }(node, replicaIndex)
        }

        wg.Wait()

        for {
            version := coordinator.LiveEndpointsVersion()
            nodesDown := stringSliceDifference(nodes, coordinator.LiveEndpoints())

            for _, node := range nodesDown {
                Log.Debugf("failure_detector_loop: convicting node %s that dropped out of live_endpoints", node)
                gossiper.Convict(node)
            }

            // Make sure live_endpoints did not change while nodes were being
            // convicted above, so no down node misses the convict
            if version == coordinator.LiveEndpointsVersion() {
                break
            }
        }
    }

    Log.Infof("failure_detector_loop: Finished main loop")
}

// failureDetectorLoopForNode probes one peer every EchoInterval. The peer is
// convicted after a silence of EchoInterval plus the configured grace. The
// task retires when the live list version moves on, which means a rebalance
// across replicas is due.
func (gossiper *Gossiper) failureDetectorLoopForNode(node string, generationNumber int32, liveEndpointsVersion uint64, replicaIndex int) {
    lastOK := time.Now()
    maxDuration := EchoInterval + time.Duration(gossiper.config.FailureDetectorTimeoutMs) * time.Millisecond
    replica := gossiper.store.Replica(replicaIndex)

    for gossiper.IsEnabled() {
        failed := false

        Log.Debugf("failure_detector_loop: Send echo to node %s, status = started", node)

        ctx, cancelEcho := context.WithTimeout(context.Background(), maxDuration)
        err := gossiper.sender.SendEcho(ctx, node, generationNumber)
        cancelEcho()

        if err != nil {
            failed = true
            Log.Warningf("failure_detector_loop: Send echo to node %s, status = failed: %v", node, err)
        } else {
            Log.Debugf("failure_detector_loop: Send echo to node %s, status = ok", node)
        }

        now := time.Now()

        if !failed {
            lastOK = now
        }

        if now.Sub(lastOK) > maxDuration {
            Log.Infof("failure_detector_loop: Mark node %s as DOWN", node)
            gossiper.Convict(node)

            return
        }

        if replica.LiveEndpointsVersion() != liveEndpointsVersion {
            Log.Debugf("failure_detector_loop: Finished loop for node %s, live_endpoints_version=%d", node, liveEndpointsVersion)

            return
        }

        if !gossiper.sleep(EchoInterval) {
            return
        }
    }
}

func stringSliceDifference(a, b []string) []string {
    sortedA := make([]string, len(a))
    copy(sortedA, a)
    sort.Strings(sortedA)

    inB := make(map[string]bool, len(b))

    for _, s := range b {
        inB[s] = true
    }

    difference := make([]string, 0)

    for _, s := range sortedA {
        if !inB[s] {
            difference = append(difference, s)
        }
    }

    return difference
}

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
    "sort"
    "strings"
    "time"
)

// ApplicationStateKey identifies one piece of per-node application state
// disseminated through gossip.
type ApplicationStateKey string

const (
    AppStateStatus ApplicationStateKey = "STATUS"
    AppStateTokens ApplicationStateKey = "TOKENS"
    AppStateHostID ApplicationStateKey = "HOST_ID"
    AppStateRPCReady ApplicationStateKey = "RPC_READY"
    AppStateLoad ApplicationStateKey = "LOAD"
    AppStateViewBacklog ApplicationStateKey = "VIEW_BACKLOG"
    AppStateCacheHitRates ApplicationStateKey = "CACHE_HITRATES"
    AppStateSupportedFeatures ApplicationStateKey = "SUPPORTED_FEATURES"
    AppStateInternalIP ApplicationStateKey = "INTERNAL_IP"
    AppStateSnitchName ApplicationStateKey = "SNITCH_NAME"
    AppStateNetVersion ApplicationStateKey = "NET_VERSION"
    AppStateRemovalCoordinator ApplicationStateKey = "REMOVAL_COORDINATOR"
)

// Status values carried in the first comma-separated component of the STATUS
// application state.
const (
    StatusNormal string = "NORMAL"
    StatusLeft string = "LEFT"
    StatusRemovingToken string = "removing"
    StatusRemovedToken string = "removed"
    StatusShutdown string = "shutdown"
)

// A node whose status is one of these never transitions back to alive.
var DeadStates = []string{
    StatusLeft,
    StatusRemovedToken,
    StatusRemovingToken,
}

// Statuses for which the node is expected to disappear without announcing a
// shutdown first.
var SilentShutdownStates = []string{
    StatusLeft,
    StatusRemovedToken,
    StatusRemovingToken,
    StatusShutdown,
}

// Keys that are refreshed so frequently that they do not count as meaningful
// gossip traffic when deciding whether the cluster view has settled.
var HighFrequencyStateKeys = []ApplicationStateKey{
    AppStateLoad,
    AppStateViewBacklog,
    AppStateCacheHitRates,
}

type VersionedValue struct {
    Value string `json:"value"`
    Version int32 `json:"version"`
}

type HeartBeatState struct {
    Generation int32 `json:"generation"`
    Version int32 `json:"version"`
}

func NewHeartBeatState(generation int32) HeartBeatState {
    return HeartBeatState{
        Generation: generation,
        Version: 0,
    }
}

func (hbs *HeartBeatState) UpdateHeartBeat(versions *VersionGenerator) {
    hbs.Version = versions.NextVersion()
}

func (hbs *HeartBeatState) ForceNewerGenerationUnsafe() {
    hbs.Generation += 1
}

// ForceHighestPossibleVersionUnsafe makes any state stamped with this
// heartbeat win against every version a peer could otherwise have seen. Used
// for shutdown notices.
func (hbs *HeartBeatState) ForceHighestPossibleVersionUnsafe() {
    hbs.Version = int32((1 << 31) - 1)
}

type EndpointState struct {
    HeartBeat HeartBeatState `json:"heartbeat"`
    ApplicationStates map[ApplicationStateKey]VersionedValue `json:"applicationStates"`
    Alive bool `json:"-"`
    UpdateTimestamp time.Time `json:"-"`
}

func NewEndpointState(hbs HeartBeatState) *EndpointState {
    return &EndpointState{
        HeartBeat: hbs,
        ApplicationStates: make(map[ApplicationStateKey]VersionedValue),
        Alive: true,
        UpdateTimestamp: time.Now(),
    }
}

func (endpointState *EndpointState) GetApplicationState(key ApplicationStateKey) (VersionedValue, bool) {
    value, ok := endpointState.ApplicationStates[key]

    return value, ok
}

func (endpointState *EndpointState) AddApplicationState(key ApplicationStateKey, value VersionedValue) {
    if endpointState.ApplicationStates == nil {
        endpointState.ApplicationStates = make(map[ApplicationStateKey]VersionedValue)
    }

    endpointState.ApplicationStates[key] = value
}

// AddApplicationStates overwrites the heartbeat and merges in every
// application state carried by other.
func (endpointState *EndpointState) AddApplicationStates(other *EndpointState) {
    endpointState.HeartBeat = other.HeartBeat

    for key, value := range other.ApplicationStates {
        endpointState.AddApplicationState(key, value)
    }
}

// MaxVersion is the maximum of the heartbeat version and every application
// state version. Together with the generation it totally orders observations
// of this endpoint.
func (endpointState *EndpointState) MaxVersion() int32 {
    maxVersion := endpointState.HeartBeat.Version

    for _, value := range endpointState.ApplicationStates {
        if value.Version > maxVersion {
            maxVersion = value.Version
        }
    }

    return maxVersion
}

// Status parses the first component of the STATUS application state. Returns
// an empty string when no status was published yet.
func (endpointState *EndpointState) Status() string {
    status, ok := endpointState.GetApplicationState(AppStateStatus)

    if !ok {
        return ""
    }

    return strings.SplitN(status.Value, ",", 2)[0]
}

func (endpointState *EndpointState) IsDeadState() bool {
    status := endpointState.Status()

    for _, deadState := range DeadStates {
        if status == deadState {
            return true
        }
    }

    return false
}

func (endpointState *EndpointState) IsSilentShutdownState() bool {
    status := endpointState.Status()

    for _, silentState := range SilentShutdownStates {
        if status == silentState {
            return true
        }
    }

    return false
}

func (endpointState *EndpointState) UpdateTimestampNow() {
    endpointState.UpdateTimestamp = time.Now()
}

func (endpointState *EndpointState) Clone() *EndpointState {
    applicationStates := make(map[ApplicationStateKey]VersionedValue, len(endpointState.ApplicationStates))

    for key, value := range endpointState.ApplicationStates {
        applicationStates[key] = value
    }

    return &EndpointState{
        HeartBeat: endpointState.HeartBeat,
        ApplicationStates: applicationStates,
        Alive: endpointState.Alive,
        UpdateTimestamp: endpointState.UpdateTimestamp,
    }
}

// StateForVersionBiggerThan accumulates the heartbeat and every application
// state whose version exceeds version. Returns nil when nothing is newer.
func (endpointState *EndpointState) StateForVersionBiggerThan(version int32) *EndpointState {
    var reqdEndpointState *EndpointState

    if endpointState.HeartBeat.Version > version {
        reqdEndpointState = NewEndpointState(endpointState.HeartBeat)
    }

    for key, value := range endpointState.ApplicationStates {
        if value.Version <= version {
            continue
        }

        // It can happen that the heartbeat version is older than the version
        // asked for while some application state is newer. The old heartbeat
        // is included anyway and discarded as redundant on the receiver.
        if reqdEndpointState == nil {
            reqdEndpointState = NewEndpointState(endpointState.HeartBeat)
        }

        reqdEndpointState.AddApplicationState(key, value)
    }

    return reqdEndpointState
}

type GossipDigest struct {
    Endpoint string `json:"endpoint"`
    Generation int32 `json:"generation"`
    MaxVersion int32 `json:"maxVersion"`
}

// SortDigestsByDivergence orders digests so the endpoints whose versions
// diverge the most from our local view are discussed first.
func SortDigestsByDivergence(digests []GossipDigest, localMaxVersion func(endpoint string) int32) {
    diffs := make(map[string]int32, len(digests))

    for _, digest := range digests {
        diff := digest.MaxVersion - localMaxVersion(digest.Endpoint)

        if diff < 0 {
            diff = -diff
        }

        diffs[digest.Endpoint] = diff
    }

    sort.SliceStable(digests, func(i, j int) bool {
        return diffs[digests[i].Endpoint] > diffs[digests[j].Endpoint]
    })
}

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
    "sync"
    "time"

    . "github.com/PelionIoT/memberdb/logging"
    . "github.com/PelionIoT/memberdb/util"
)

const (
    // Period of the anti-entropy round.
    GossipInterval = time.Second
    // A freshly shuffled live list is split into ceil(N/FanOutRounds)-sized
    // chunks so every live peer is contacted within about FanOutRounds
    // rounds, the way SWIM spreads its probes.
    FanOutRounds = 10
    // Default expiry for dead endpoint state.
    AVeryLongTime = 3 * 24 * time.Hour
    // A remote generation further than this ahead of our own clock is
    // considered corrupt.
    MaxGenerationDifference int32 = 365 * 24 * 3600
    // Cadence of the active failure detector echoes.
    EchoInterval = 2 * time.Second
    // Deadline for the mark-alive handshake echo.
    MarkAliveEchoDeadline = 15 * time.Second

    GossipSettleMinWait = 5 * time.Second
    GossipSettlePollInterval = time.Second
    GossipSettlePollSuccessesRequired = 3

    ShadowRoundRequestTimeout = 5 * time.Second
    ShadowRoundRetryInterval = time.Second
)

var EGossipDisabled = errors.New("Gossip is not enabled")
var ENoLocalState = errors.New("The local endpoint has no state yet")
var EUnknownEndpoint = errors.New("The endpoint is not present in the state map")
var EShadowRoundFailed = errors.New("Unable to gossip with any of the contact nodes during the shadow round")
var EAssassinateSelf = errors.New("A node can not force remove itself")
var EEndpointChanged = errors.New("Endpoint state changed while trying to remove it")

type Config struct {
    LocalAddress string
    ClusterName string
    PartitionerName string
    Seeds []string
    RingDelayMs uint32
    FailureDetectorTimeoutMs uint32
    ShadowRoundMs uint32
    ShutdownAnnounceMs uint32
    SkipWaitForGossipToSettle int
    ForceGossipGeneration int32
    AdvertiseMyself bool
    ReplicaCount int
}

type pendingSynState struct {
    pending bool
    stashed *GossipDigestSyn
}

type pendingAckState struct {
    pending bool
    stashed []GossipDigest
}

// Gossiper tracks the set of peer nodes in the cluster, disseminates
// per-node application state through periodic anti-entropy rounds and
// maintains the liveness view every local subsystem reads.
type Gossiper struct {
    config Config
    store *EndpointStateStore
    sender MessageSender
    versions VersionGenerator
    notifier subscriberNotifier
    features *FeatureService
    persistence *Persistence
    pinger *DirectFDPinger
    tokenMetadata TokenMetadataView

    mu sync.Mutex
    enabled bool
    inShadowRound bool
    gossipSettled bool
    advertiseMyself bool
    advertiseToNodes map[string]int32
    seeds map[string]bool
    endpointsToTalkWith [][]string
    justRemovedEndpoints map[string]time.Time
    expireTimeEndpointMap map[string]time.Time
    shadowLiveEndpoints []string
    shadowUnreachableEndpoints map[string]time.Time
    synHandlers map[string]*pendingSynState
    ackHandlers map[string]*pendingAckState
    pendingMarkAlive map[string]bool
    msgProcessing int
    nrRun uint64

    applySem chan int
    backgroundTasks *Gate
    roundRunning sync.Mutex
    ctx context.Context
    cancel context.CancelFunc
    loopDone chan int
    fdLoopDone chan int
}

func NewGossiper(config Config, store *EndpointStateStore, sender MessageSender) *Gossiper {
    if store == nil {
        store = NewEndpointStateStore(config.ReplicaCount)
    }

    gossiper := &Gossiper{
        config: config,
        store: store,
        sender: sender,
        features: NewFeatureService(),
        advertiseMyself: config.AdvertiseMyself,
        advertiseToNodes: make(map[string]int32),
        seeds: make(map[string]bool),
        endpointsToTalkWith: make([][]string, 0),
        justRemovedEndpoints: make(map[string]time.Time),
        expireTimeEndpointMap: make(map[string]time.Time),
        shadowUnreachableEndpoints: make(map[string]time.Time),
        synHandlers: make(map[string]*pendingSynState),
        ackHandlers: make(map[string]*pendingAckState),
        pendingMarkAlive: make(map[string]bool),
        applySem: make(chan int, 1),
        backgroundTasks: &Gate{ },
    }

    // The shadow round runs before gossip is enabled and still needs an
    // abortable context
    gossiper.ctx, gossiper.cancel = context.WithCancel(context.Background())

    gossiper.pinger = newDirectFDPinger(gossiper)
    gossiper.tokenMetadata = &gossipedTokenMetadata{ gossiper: gossiper }
    gossiper.register(&featureEnabler{ gossiper: gossiper })
    registerGossiperMetrics(gossiper)

    return gossiper
}

func (gossiper *Gossiper) context() context.Context {
    gossiper.mu.Lock()
    defer gossiper.mu.Unlock()

    return gossiper.ctx
}

// UsePersistence attaches the key/value hook the gossiper persists its
// generation counter and peer feature map through.
func (gossiper *Gossiper) UsePersistence(persistence *Persistence) {
    gossiper.persistence = persistence
}

// UseTokenMetadata overrides the view used to decide which endpoints are ring
// members. The default derives membership from gossiped TOKENS state.
func (gossiper *Gossiper) UseTokenMetadata(tokenMetadata TokenMetadataView) {
    gossiper.tokenMetadata = tokenMetadata
}

func (gossiper *Gossiper) LocalAddress() string {
    return gossiper.config.LocalAddress
}

func (gossiper *Gossiper) ClusterName() string {
    return gossiper.config.ClusterName
}

func (gossiper *Gossiper) PartitionerName() string {
    return gossiper.config.PartitionerName
}

func (gossiper *Gossiper) Store() *EndpointStateStore {
    return gossiper.store
}

func (gossiper *Gossiper) Pinger() *DirectFDPinger {
    return gossiper.pinger
}

func (gossiper *Gossiper) Features() *FeatureService {
    return gossiper.features
}

// QuarantineDelay is how long a removed endpoint stays quarantined and is the
// basis for the fat client timeout.
func (gossiper *Gossiper) QuarantineDelay() time.Duration {
    delay := gossiper.config.RingDelayMs

    if delay < 30000 {
        delay = 30000
    }

    return 2 * time.Duration(delay) * time.Millisecond
}

func (gossiper *Gossiper) fatClientTimeout() time.Duration {
    // half of the quarantine delay so a removed fat client can not re-enter
    // before its quarantine ends
    return gossiper.QuarantineDelay() / 2
}

func (gossiper *Gossiper) IsEnabled() bool {
    gossiper.mu.Lock()
    defer gossiper.mu.Unlock()

    return gossiper.enabled
}

func (gossiper *Gossiper) IsInShadowRound() bool {
    gossiper.mu.Lock()
    defer gossiper.mu.Unlock()

    return gossiper.inShadowRound
}

func (gossiper *Gossiper) Register(subscriber EndpointStateChangeSubscriber) {
    gossiper.register(subscriber)
}

func (gossiper *Gossiper) register(subscriber EndpointStateChangeSubscriber) {
    gossiper.notifier.register(subscriber)
}

func (gossiper *Gossiper) Unregister(subscriber EndpointStateChangeSubscriber) {
    gossiper.notifier.unregister(subscriber)
}

// CurrentGenerationNumber returns the wall clock seconds used as the
// generation for a process starting now.
func CurrentGenerationNumber() int32 {
    return int32(time.Now().Unix())
}

func (gossiper *Gossiper) buildSeedsList() {
    gossiper.mu.Lock()
    defer gossiper.mu.Unlock()

    for _, seed := range gossiper.config.Seeds {
        if seed == gossiper.config.LocalAddress {
            continue
        }

        gossiper.seeds[seed] = true
    }
}

func (gossiper *Gossiper) Seeds() []string {
    gossiper.mu.Lock()
    defer gossiper.mu.Unlock()

    seeds := make([]string, 0, len(gossiper.seeds))

    for seed, _ := range gossiper.seeds {
        seeds = append(seeds, seed)
    }

    return seeds
}

func (gossiper *Gossiper) IsSeed(endpoint string) bool {
    gossiper.mu.Lock()
    defer gossiper.mu.Unlock()

    return gossiper.seeds[endpoint]
}

// StartGossiping enables the engine: it installs the local endpoint state
// with the given generation, replicates it, arms the periodic round and
// starts the failure detector loop.
func (gossiper *Gossiper) StartGossiping(generationNumber int32, preloadLocalStates map[ApplicationStateKey]VersionedValue, advertise bool) error {
    gossiper.buildSeedsList()

    if gossiper.config.ForceGossipGeneration > 0 {
        generationNumber = gossiper.config.ForceGossipGeneration
        Log.Warningf("Use the generation number provided by user: generation = %d", generationNumber)
    }

    gossiper.mu.Lock()

    if gossiper.enabled {
        gossiper.mu.Unlock()

        return nil
    }

    gossiper.advertiseMyself = advertise
    gossiper.mu.Unlock()

    release := gossiper.store.LockEndpoint(gossiper.config.LocalAddress)
    localState := NewEndpointState(NewHeartBeatState(generationNumber))

    for key, value := range preloadLocalStates {
        value.Version = gossiper.versions.NextVersion()
        localState.AddApplicationState(key, value)
    }

    localState.UpdateTimestampNow()
    gossiper.store.ApplyLocal(gossiper.config.LocalAddress, localState)
    release()

    if gossiper.persistence != nil {
        if err := gossiper.persistence.SaveGeneration(generationNumber); err != nil {
            Log.Errorf("Unable to persist the local generation: %v", err)
        }
    }

    Log.Debugf("Gossip started with generation %d", generationNumber)

    gossiper.mu.Lock()
    gossiper.enabled = true
    gossiper.nrRun = 0
    gossiper.ctx, gossiper.cancel = context.WithCancel(context.Background())
    gossiper.backgroundTasks = &Gate{ }
    gossiper.loopDone = make(chan int)
    gossiper.fdLoopDone = make(chan int)
    gossiper.mu.Unlock()

    gossiper.pinger.UpdateGenerationNumber(generationNumber)

    go gossiper.gossipLoop()
    go gossiper.failureDetectorLoop()

    return nil
}

func (gossiper *Gossiper) gossipLoop() {
    defer close(gossiper.loopDone)

    for {
        if !gossiper.sleep(GossipInterval) {
            return
        }

        if !gossiper.IsEnabled() {
            return
        }

        gossiper.roundRunning.Lock()
        err := gossiper.runRound()
        gossiper.roundRunning.Unlock()

        if err != nil {
            Log.Warningf("=== Gossip round FAIL: %v", err)
        } else {
            gossiper.mu.Lock()
            gossiper.nrRun += 1
            gossiper.mu.Unlock()

            Log.Debugf("=== Gossip round OK")
        }
    }
}

// sleep waits for the duration or until the gossiper is stopped. Returns
// false when the wait was aborted.
func (gossiper *Gossiper) sleep(duration time.Duration) bool {
    ctx := gossiper.context()

    select {
    case <-time.After(duration):
        return true
    case <-ctx.Done():
        return false
    }
}

func (gossiper *Gossiper) runRound() error {
    localAddress := gossiper.config.LocalAddress
    coordinator := gossiper.store.Coordinator()

    // Update the local heartbeat counter
    release := gossiper.store.LockEndpoint(localAddress)
    localState, ok := coordinator.EndpointState(localAddress)

    if !ok {
        release()

        return ENoLocalState
    }

    coordinator.withState(localAddress, func(endpointState *EndpointState) {
        endpointState.HeartBeat.UpdateHeartBeat(&gossiper.versions)
        localState = endpointState.Clone()
    })
    gossiper.store.ReplicateFull(localAddress, localState)
    release()

    Log.Debugf("My heartbeat is now %d", localState.HeartBeat.Version)

    digests := gossiper.makeRandomGossipDigests()

    if len(digests) > 0 {
        syn := GossipDigestSyn{
            ClusterName: gossiper.config.ClusterName,
            PartitionerName: gossiper.config.PartitionerName,
            Digests: digests,
        }

        liveNodes := gossiper.nextEndpointsToTalkWith()

        for _, endpoint := range liveNodes {
            gossiper.doGossipToLiveMember(syn, endpoint)
        }

        gossiper.doGossipToUnreachableMember(syn)
        gossiper.doStatusCheck()
    }

    gossiper.replicateLivenessIfChanged()
    gossiper.pinger.UpdateGenerationNumber(localState.HeartBeat.Generation)

    return nil
}

// nextEndpointsToTalkWith pops the front chunk of the round-robin queue,
// refilling it from a freshly shuffled live list, or from the seeds when no
// live peer is known yet.
func (gossiper *Gossiper) nextEndpointsToTalkWith() []string {
    liveEndpoints := gossiper.store.Coordinator().LiveEndpoints()

    gossiper.mu.Lock()
    defer gossiper.mu.Unlock()

    if len(gossiper.endpointsToTalkWith) == 0 && len(liveEndpoints) > 0 {
        rand.Shuffle(len(liveEndpoints), func(i, j int) {
            liveEndpoints[i], liveEndpoints[j] = liveEndpoints[j], liveEndpoints[i]
        })

        nodesPerRound := (len(liveEndpoints) + FanOutRounds - 1) / FanOutRounds
        chunk := make([]string, 0, nodesPerRound)

        for _, endpoint := range liveEndpoints {
            if len(chunk) < nodesPerRound {
                chunk = append(chunk, endpoint)
            } else {
                gossiper.endpointsToTalkWith = append(gossiper.endpointsToTalkWith, chunk)
                chunk = []string{ endpoint }
            }
        }

        if len(chunk) > 0 {
            gossiper.endpointsToTalkWith = append(gossiper.endpointsToTalkWith, chunk)
        }
    }

    if len(gossiper.endpointsToTalkWith) == 0 {
        seeds := make([]string, 0, len(gossiper.seeds))

        for seed, _ := range gossiper.seeds {
            seeds = append(seeds, seed)
        }

        Log.Debugf("No live nodes yet: try initial contact point nodes=%v", seeds)

        if len(seeds) > 0 {
            gossiper.endpointsToTalkWith = append(gossiper.endpointsToTalkWith, seeds)
        }
    }

    if len(gossiper.endpointsToTalkWith) == 0 {
        Log.Debugf("No one to talk with")

        return nil
    }

    liveNodes := gossiper.endpointsToTalkWith[0]
    gossiper.endpointsToTalkWith = gossiper.endpointsToTalkWith[1:]

    return liveNodes
}

func (gossiper *Gossiper) makeRandomGossipDigests() []GossipDigest {
    coordinator := gossiper.store.Coordinator()
    endpoints := coordinator.Endpoints()

    rand.Shuffle(len(endpoints), func(i, j int) {
        endpoints[i], endpoints[j] = endpoints[j], endpoints[i]
    })

    digests := make([]GossipDigest, 0, len(endpoints))

    for _, endpoint := range endpoints {
        var generation int32
        var maxVersion int32

        if endpointState, ok := coordinator.EndpointState(endpoint); ok {
            generation = endpointState.HeartBeat.Generation
            maxVersion = endpointState.MaxVersion()
        }

        digests = append(digests, GossipDigest{ Endpoint: endpoint, Generation: generation, MaxVersion: maxVersion })
    }

    return digests
}

// replicateLivenessIfChanged mirrors the live and unreachable sets to every
// replica if either changed since the last round, together with the alive bit
// of every endpoint state entry.
func (gossiper *Gossiper) replicateLivenessIfChanged() {
    coordinator := gossiper.store.Coordinator()
    liveEndpoints := coordinator.LiveEndpoints()
    unreachableEndpoints := coordinator.UnreachableEndpoints()

    gossiper.mu.Lock()

    liveChanged := !stringSlicesEqual(liveEndpoints, gossiper.shadowLiveEndpoints)
    unreachableChanged := !timeMapsEqual(unreachableEndpoints, gossiper.shadowUnreachableEndpoints)

    if liveChanged {
        gossiper.shadowLiveEndpoints = liveEndpoints
    }

    if unreachableChanged {
        gossiper.shadowUnreachableEndpoints = unreachableEndpoints
    }

    gossiper.mu.Unlock()

    if !liveChanged && !unreachableChanged {
        return
    }

    aliveBits := make(map[string]bool)

    for _, endpoint := range coordinator.Endpoints() {
        aliveBits[endpoint] = coordinator.IsAlive(endpoint)
    }

    gossiper.store.ReplicateLiveness(liveEndpoints, coordinator.LiveEndpointsVersion(), unreachableEndpoints, aliveBits)
}

func stringSlicesEqual(a, b []string) bool {
    if len(a) != len(b) {
        return false
    }

    for i, _ := range a {
        if a[i] != b[i] {
            return false
        }
    }

    return true
}

func timeMapsEqual(a, b map[string]time.Time) bool {
    if len(a) != len(b) {
        return false
    }

    for key, value := range a {
        if other, ok := b[key]; !ok || !other.Equal(value) {
            return false
        }
    }

    return true
}

// Stop announces shutdown to every live peer, disables scheduling, waits for
// the running round, the failure detector loop and all background message
// tasks.
func (gossiper *Gossiper) Stop() {
    if !gossiper.IsEnabled() {
        Log.Infof("Gossip is already stopped")

        return
    }

    localAddress := gossiper.config.LocalAddress
    localState, hasLocalState := gossiper.store.Coordinator().EndpointState(localAddress)

    if hasLocalState {
        Log.Infof("My status = %s", localState.Status())
    }

    if hasLocalState && !localState.IsSilentShutdownState() {
        localGeneration := localState.HeartBeat.Generation

        Log.Infof("Announcing shutdown")
        gossiper.AddLocalApplicationState(AppStateStatus, VersionedValue{ Value: StatusShutdown + ",true" })

        // Guarantee the shutdown notice beats any version a peer could have
        // seen from this incarnation
        release := gossiper.store.LockEndpoint(localAddress)
        gossiper.store.Coordinator().withState(localAddress, func(endpointState *EndpointState) {
            endpointState.HeartBeat.ForceHighestPossibleVersionUnsafe()
            localState = endpointState.Clone()
        })
        gossiper.store.ReplicateFull(localAddress, localState)
        release()

        for _, endpoint := range gossiper.store.Coordinator().LiveEndpoints() {
            Log.Infof("Sending a GossipShutdown to %s with generation %d", endpoint, localGeneration)

            ctx, cancelSend := context.WithTimeout(context.Background(), GossipInterval)
            err := gossiper.sender.SendShutdown(ctx, endpoint, GossipShutdownMessage{ From: localAddress, GenerationNumber: &localGeneration })
            cancelSend()

            if err != nil {
                Log.Warningf("Fail to send GossipShutdown to %s: %v", endpoint, err)
            }
        }

        time.Sleep(time.Duration(gossiper.config.ShutdownAnnounceMs) * time.Millisecond)
    } else {
        Log.Warningf("No local state or state is in silent shutdown, not announcing shutdown")
    }

    Log.Infof("Disable and wait for gossip loop started")

    gossiper.mu.Lock()
    gossiper.enabled = false
    cancel := gossiper.cancel
    loopDone := gossiper.loopDone
    fdLoopDone := gossiper.fdLoopDone
    backgroundTasks := gossiper.backgroundTasks
    gossiper.mu.Unlock()

    if cancel != nil {
        cancel()
    }

    if loopDone != nil {
        <-loopDone
    }

    // Taking the round lock makes sure any round in flight has finished
    gossiper.roundRunning.Lock()
    gossiper.roundRunning.Unlock()

    if fdLoopDone != nil {
        <-fdLoopDone
    }

    backgroundTasks.Close()

    Log.Infof("Gossip is now stopped")
}

// ForceNewerGeneration bumps the local generation for administrative state
// pushes.
func (gossiper *Gossiper) ForceNewerGeneration() {
    localAddress := gossiper.config.LocalAddress

    release := gossiper.store.LockEndpoint(localAddress)
    defer release()

    var localState *EndpointState

    gossiper.store.Coordinator().withState(localAddress, func(endpointState *EndpointState) {
        endpointState.HeartBeat.ForceNewerGenerationUnsafe()
        localState = endpointState.Clone()
    })

    if localState != nil {
        gossiper.store.ReplicateFull(localAddress, localState)
    }
}

// LiveMembers includes the local node when it has local state.
func (gossiper *Gossiper) LiveMembers() []string {
    members := gossiper.store.Coordinator().LiveEndpoints()

    if _, ok := gossiper.store.Coordinator().EndpointState(gossiper.config.LocalAddress); ok {
        members = append([]string{ gossiper.config.LocalAddress }, members...)
    }

    return members
}

func (gossiper *Gossiper) UnreachableMembers() []string {
    unreachable := gossiper.store.Coordinator().UnreachableEndpoints()
    members := make([]string, 0, len(unreachable))

    for endpoint, _ := range unreachable {
        members = append(members, endpoint)
    }

    return members
}

// EndpointDowntime is how long the endpoint has been in the unreachable set.
func (gossiper *Gossiper) EndpointDowntime(endpoint string) time.Duration {
    unreachable := gossiper.store.Coordinator().UnreachableEndpoints()

    if downSince, ok := unreachable[endpoint]; ok {
        return time.Since(downSince)
    }

    return 0
}

func (gossiper *Gossiper) IsAlive(endpoint string) bool {
    if endpoint == gossiper.config.LocalAddress {
        return true
    }

    return gossiper.store.Coordinator().IsAlive(endpoint)
}

// CompareEndpointStartup orders two endpoints by their generation.
func (gossiper *Gossiper) CompareEndpointStartup(endpoint1, endpoint2 string) (int, error) {
    state1, ok1 := gossiper.store.Coordinator().EndpointState(endpoint1)
    state2, ok2 := gossiper.store.Coordinator().EndpointState(endpoint2)

    if !ok1 || !ok2 {
        return 0, EUnknownEndpoint
    }

    return int(state1.HeartBeat.Generation - state2.HeartBeat.Generation), nil
}

func (gossiper *Gossiper) GetApplicationStateValue(endpoint string, key ApplicationStateKey) string {
    endpointState, ok := gossiper.store.Coordinator().EndpointState(endpoint)

    if !ok {
        return ""
    }

    value, ok := endpointState.GetApplicationState(key)

    if !ok {
        return ""
    }

    return value.Value
}

func (gossiper *Gossiper) GossipStatus(endpoint string) string {
    endpointState, ok := gossiper.store.Coordinator().EndpointState(endpoint)

    if !ok {
        return ""
    }

    return endpointState.Status()
}

func (gossiper *Gossiper) IsNormal(endpoint string) bool {
    return gossiper.GossipStatus(endpoint) == StatusNormal
}

func (gossiper *Gossiper) IsShutdown(endpoint string) bool {
    return gossiper.GossipStatus(endpoint) == StatusShutdown
}

func (gossiper *Gossiper) IsLeft(endpoint string) bool {
    return gossiper.GossipStatus(endpoint) == StatusLeft
}

func (gossiper *Gossiper) IsNormalRingMember(endpoint string) bool {
    status := gossiper.GossipStatus(endpoint)

    return status == StatusNormal || status == StatusShutdown
}

func (gossiper *Gossiper) IsCQLReady(endpoint string) bool {
    return gossiper.GetApplicationStateValue(endpoint, AppStateRPCReady) == "true"
}

// EndpointStates returns a copy of the coordinator's full state map.
func (gossiper *Gossiper) EndpointStates() map[string]*EndpointState {
    coordinator := gossiper.store.Coordinator()
    states := make(map[string]*EndpointState)

    for _, endpoint := range coordinator.Endpoints() {
        if endpointState, ok := coordinator.EndpointState(endpoint); ok {
            states[endpoint] = endpointState
        }
    }

    return states
}

func (gossiper *Gossiper) DumpEndpointStateMap() {
    Log.Infof("=== endpoint_state_map dump starts ===")

    coordinator := gossiper.store.Coordinator()

    for _, endpoint := range coordinator.Endpoints() {
        endpointState, _ := coordinator.EndpointState(endpoint)
        Log.Infof("endpoint=%s, generation=%d, heartbeat=%d, alive=%v", endpoint,
            endpointState.HeartBeat.Generation, endpointState.HeartBeat.Version, endpointState.Alive)
    }

    Log.Infof("=== endpoint_state_map dump ends ===")
}

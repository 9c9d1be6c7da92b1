package gossip_test

import (
    "context"
    "sync"
    "time"

    . "github.com/PelionIoT/memberdb/gossip"

    . "github.com/onsi/ginkgo"
    . "github.com/onsi/gomega"
)

type sentEcho struct {
    To string
    Generation int32
}

type mockSender struct {
    mu sync.Mutex
    syns []GossipDigestSyn
    synTargets []string
    acks []GossipDigestAck
    ack2s []GossipDigestAck2
    echoes []sentEcho
    shutdowns []GossipShutdownMessage
    shutdownTargets []string
    echoErr error
    ackEntered chan int
    ackBarrier chan int
    getStatesFn func(to string) (*GetEndpointStatesResponse, error)
}

func newMockSender() *mockSender {
    return &mockSender{ }
}

func (sender *mockSender) SendSyn(ctx context.Context, to string, syn GossipDigestSyn) error {
    sender.mu.Lock()
    defer sender.mu.Unlock()

    sender.synTargets = append(sender.synTargets, to)
    sender.syns = append(sender.syns, syn)

    return nil
}

func (sender *mockSender) SendAck(ctx context.Context, to string, ack GossipDigestAck) error {
    sender.mu.Lock()
    entered := sender.ackEntered
    barrier := sender.ackBarrier
    sender.mu.Unlock()

    if entered != nil {
        entered <- 1
    }

    if barrier != nil {
        <-barrier
    }

    sender.mu.Lock()
    defer sender.mu.Unlock()

    sender.acks = append(sender.acks, ack)

    return nil
}

func (sender *mockSender) SendAck2(ctx context.Context, to string, ack2 GossipDigestAck2) error {
    sender.mu.Lock()
    defer sender.mu.Unlock()

    sender.ack2s = append(sender.ack2s, ack2)

    return nil
}

func (sender *mockSender) SendEcho(ctx context.Context, to string, generationNumber int32) error {
    sender.mu.Lock()
    defer sender.mu.Unlock()

    sender.echoes = append(sender.echoes, sentEcho{ To: to, Generation: generationNumber })

    return sender.echoErr
}

func (sender *mockSender) SendShutdown(ctx context.Context, to string, shutdown GossipShutdownMessage) error {
    sender.mu.Lock()
    defer sender.mu.Unlock()

    sender.shutdownTargets = append(sender.shutdownTargets, to)
    sender.shutdowns = append(sender.shutdowns, shutdown)

    return nil
}

func (sender *mockSender) GetEndpointStates(ctx context.Context, to string, request GetEndpointStatesRequest) (*GetEndpointStatesResponse, error) {
    sender.mu.Lock()
    fn := sender.getStatesFn
    sender.mu.Unlock()

    if fn == nil {
        return nil, EConnectionClosed
    }

    return fn(to)
}

func (sender *mockSender) ackCount() int {
    sender.mu.Lock()
    defer sender.mu.Unlock()

    return len(sender.acks)
}

type recordedEvent struct {
    Type string
    Endpoint string
    Key ApplicationStateKey
    Value string
    Generation int32
}

type eventRecorder struct {
    mu sync.Mutex
    events []recordedEvent
}

func (recorder *eventRecorder) record(event recordedEvent) {
    recorder.mu.Lock()
    defer recorder.mu.Unlock()

    recorder.events = append(recorder.events, event)
}

func (recorder *eventRecorder) OnJoin(endpoint string, endpointState *EndpointState) error {
    recorder.record(recordedEvent{ Type: "join", Endpoint: endpoint, Generation: endpointState.HeartBeat.Generation })

    return nil
}

func (recorder *eventRecorder) BeforeChange(endpoint string, endpointState *EndpointState, key ApplicationStateKey, newValue VersionedValue) error {
    recorder.record(recordedEvent{ Type: "before_change", Endpoint: endpoint, Key: key, Value: newValue.Value })

    return nil
}

func (recorder *eventRecorder) OnChange(endpoint string, key ApplicationStateKey, value VersionedValue) error {
    recorder.record(recordedEvent{ Type: "change", Endpoint: endpoint, Key: key, Value: value.Value })

    return nil
}

func (recorder *eventRecorder) OnAlive(endpoint string, endpointState *EndpointState) error {
    recorder.record(recordedEvent{ Type: "alive", Endpoint: endpoint, Generation: endpointState.HeartBeat.Generation })

    return nil
}

func (recorder *eventRecorder) OnDead(endpoint string, endpointState *EndpointState) error {
    recorder.record(recordedEvent{ Type: "dead", Endpoint: endpoint, Generation: endpointState.HeartBeat.Generation })

    return nil
}

func (recorder *eventRecorder) OnRestart(endpoint string, oldEndpointState *EndpointState) error {
    recorder.record(recordedEvent{ Type: "restart", Endpoint: endpoint, Generation: oldEndpointState.HeartBeat.Generation })

    return nil
}

func (recorder *eventRecorder) OnRemove(endpoint string) error {
    recorder.record(recordedEvent{ Type: "remove", Endpoint: endpoint })

    return nil
}

func (recorder *eventRecorder) countOf(eventType string, endpoint string) int {
    recorder.mu.Lock()
    defer recorder.mu.Unlock()

    count := 0

    for _, event := range recorder.events {
        if event.Type == eventType && event.Endpoint == endpoint {
            count += 1
        }
    }

    return count
}

func (recorder *eventRecorder) firstOf(eventType string, endpoint string) (recordedEvent, bool) {
    recorder.mu.Lock()
    defer recorder.mu.Unlock()

    for _, event := range recorder.events {
        if event.Type == eventType && event.Endpoint == endpoint {
            return event, true
        }
    }

    return recordedEvent{ }, false
}

const localAddress = "10.0.0.1:9090"
const peerB = "10.0.0.2:9090"
const peerC = "10.0.0.3:9090"

func testConfig() Config {
    return Config{
        LocalAddress: localAddress,
        ClusterName: "test-cluster",
        PartitionerName: "murmur3",
        RingDelayMs: 30000,
        FailureDetectorTimeoutMs: 1000,
        ShadowRoundMs: 3000,
        ShutdownAnnounceMs: 1,
        SkipWaitForGossipToSettle: 0,
        AdvertiseMyself: true,
        ReplicaCount: 4,
    }
}

func makeRemoteState(generation int32, heartbeatVersion int32, status string, statusVersion int32) *EndpointState {
    state := NewEndpointState(HeartBeatState{ Generation: generation, Version: heartbeatVersion })

    if status != "" {
        state.AddApplicationState(AppStateStatus, VersionedValue{ Value: status, Version: statusVersion })
    }

    return state
}

var _ = Describe("Gossiper", func() {
    var sender *mockSender
    var recorder *eventRecorder
    var gossiper *Gossiper
    var baseGeneration int32

    BeforeEach(func() {
        sender = newMockSender()
        recorder = &eventRecorder{ }
        gossiper = NewGossiper(testConfig(), nil, sender)
        gossiper.Register(recorder)
        baseGeneration = CurrentGenerationNumber() - 1000

        Expect(gossiper.StartGossiping(baseGeneration, map[ApplicationStateKey]VersionedValue{
            AppStateSupportedFeatures: VersionedValue{ Value: "A,B,C" },
        }, true)).Should(BeNil())
    })

    AfterEach(func() {
        gossiper.Stop()
    })

    applyRemote := func(endpoint string, state *EndpointState) {
        gossiper.HandleAck2(endpoint, GossipDigestAck2{
            EndpointStates: map[string]*EndpointState{ endpoint: state },
        })
    }

    Describe("Mark alive handshake", func() {
        It("Should mark a newly discovered peer alive only after it answered an echo", func() {
            applyRemote(peerB, makeRemoteState(baseGeneration, 5, StatusNormal, 3))

            Eventually(func() []string {
                return gossiper.Store().Coordinator().LiveEndpoints()
            }, "5s").Should(ContainElement(peerB))

            Expect(gossiper.IsAlive(peerB)).Should(BeTrue())
            Expect(recorder.countOf("join", peerB)).Should(Equal(1))
            Eventually(func() int {
                return recorder.countOf("alive", peerB)
            }, "5s").Should(Equal(1))

            sender.mu.Lock()
            echoed := len(sender.echoes) > 0
            sender.mu.Unlock()

            Expect(echoed).Should(BeTrue())
        })

        It("Should leave the peer down while echoes fail", func() {
            sender.mu.Lock()
            sender.echoErr = EConnectionClosed
            sender.mu.Unlock()

            applyRemote(peerB, makeRemoteState(baseGeneration, 5, StatusNormal, 3))

            Eventually(func() int {
                return recorder.countOf("join", peerB)
            }, "5s").Should(Equal(1))

            Consistently(func() []string {
                return gossiper.Store().Coordinator().LiveEndpoints()
            }, "500ms").Should(Not(ContainElement(peerB)))
        })
    })

    Describe("Applying the same delta twice", func() {
        It("Should be idempotent", func() {
            state := makeRemoteState(baseGeneration, 5, StatusNormal, 3)

            applyRemote(peerB, state)

            Eventually(func() int {
                return recorder.countOf("join", peerB)
            }, "5s").Should(Equal(1))

            applyRemote(peerB, state.Clone())

            Consistently(func() int {
                return recorder.countOf("join", peerB)
            }, "500ms").Should(Equal(1))

            replicated, ok := gossiper.Store().Coordinator().EndpointState(peerB)

            Expect(ok).Should(BeTrue())
            Expect(replicated.HeartBeat).Should(Equal(HeartBeatState{ Generation: baseGeneration, Version: 5 }))
            Expect(replicated.ApplicationStates[AppStateStatus].Version).Should(Equal(int32(3)))
        })
    })

    Describe("Generation bump", func() {
        It("Should replace the entry and hand the old state to on_restart before on_join sees the new one", func() {
            applyRemote(peerB, makeRemoteState(baseGeneration, 5, StatusNormal, 3))

            Eventually(func() int {
                return recorder.countOf("join", peerB)
            }, "5s").Should(Equal(1))

            applyRemote(peerB, makeRemoteState(baseGeneration + 10, 2, StatusNormal, 1))

            Eventually(func() int {
                return recorder.countOf("restart", peerB)
            }, "5s").Should(Equal(1))

            restart, _ := recorder.firstOf("restart", peerB)
            Expect(restart.Generation).Should(Equal(baseGeneration))

            replicated, ok := gossiper.Store().Coordinator().EndpointState(peerB)
            Expect(ok).Should(BeTrue())
            Expect(replicated.HeartBeat.Generation).Should(Equal(baseGeneration + 10))
        })
    })

    Describe("Dead states", func() {
        It("Should never mark a LEFT peer alive", func() {
            applyRemote(peerB, makeRemoteState(baseGeneration, 5, StatusLeft, 3))

            Eventually(func() int {
                return recorder.countOf("dead", peerB)
            }, "5s").Should(Equal(1))

            Consistently(func() bool {
                return gossiper.IsAlive(peerB)
            }, "500ms").Should(BeFalse())

            Expect(gossiper.Store().Coordinator().UnreachableEndpoints()).Should(HaveKey(peerB))
        })
    })

    Describe("Corrupt generations", func() {
        It("Should reject a generation more than a year ahead", func() {
            applyRemote(peerB, makeRemoteState(baseGeneration, 5, StatusNormal, 3))

            Eventually(func() int {
                return recorder.countOf("join", peerB)
            }, "5s").Should(Equal(1))

            corrupt := CurrentGenerationNumber() + MaxGenerationDifference + 1000
            applyRemote(peerB, makeRemoteState(corrupt, 1, StatusNormal, 1))

            Consistently(func() int32 {
                state, _ := gossiper.Store().Coordinator().EndpointState(peerB)

                return state.HeartBeat.Generation
            }, "500ms").Should(Equal(baseGeneration))
        })
    })

    Describe("Quarantine", func() {
        It("Should drop deltas for a removed endpoint until the quarantine expires", func() {
            applyRemote(peerB, makeRemoteState(baseGeneration, 5, StatusNormal, 3))

            Eventually(func() int {
                return recorder.countOf("join", peerB)
            }, "5s").Should(Equal(1))

            Expect(gossiper.ForceRemoveEndpoint(peerB)).Should(BeNil())

            _, stillThere := gossiper.Store().Coordinator().EndpointState(peerB)
            Expect(stillThere).Should(BeFalse())
            Expect(gossiper.QuarantinedEndpoints()).Should(HaveKey(peerB))
            Expect(recorder.countOf("remove", peerB)).Should(Equal(1))

            applyRemote(peerB, makeRemoteState(baseGeneration + 1, 1, StatusNormal, 1))

            Consistently(func() bool {
                _, present := gossiper.Store().Coordinator().EndpointState(peerB)

                return present
            }, "500ms").Should(BeFalse())
        })

        It("Should not allow a force removed endpoint to re-enter any replica", func() {
            applyRemote(peerB, makeRemoteState(baseGeneration, 5, StatusNormal, 3))

            Eventually(func() int {
                return recorder.countOf("join", peerB)
            }, "5s").Should(Equal(1))

            Expect(gossiper.ForceRemoveEndpoint(peerB)).Should(BeNil())

            for i := 0; i < gossiper.Store().ReplicaCount(); i += 1 {
                _, present := gossiper.Store().Replica(i).EndpointState(peerB)

                Expect(present).Should(BeFalse())
            }
        })
    })

    Describe("Shutdown notice", func() {
        It("Should place the peer into dead state and fire on_dead exactly once", func() {
            applyRemote(peerB, makeRemoteState(baseGeneration, 5, StatusNormal, 3))

            Eventually(func() []string {
                return gossiper.Store().Coordinator().LiveEndpoints()
            }, "5s").Should(ContainElement(peerB))

            generation := baseGeneration
            gossiper.HandleShutdown(peerB, &generation)

            Eventually(func() int {
                return recorder.countOf("dead", peerB)
            }, "5s").Should(Equal(1))

            Expect(gossiper.IsShutdown(peerB)).Should(BeTrue())
            Expect(gossiper.Store().Coordinator().LiveEndpoints()).Should(Not(ContainElement(peerB)))

            state, _ := gossiper.Store().Coordinator().EndpointState(peerB)
            Expect(state.HeartBeat.Version).Should(Equal(int32((1 << 31) - 1)))

            // a shutdown peer must never be marked alive again
            Consistently(func() bool {
                return gossiper.IsAlive(peerB)
            }, "500ms").Should(BeFalse())
        })

        It("Should ignore a shutdown notice with a stale generation", func() {
            applyRemote(peerB, makeRemoteState(baseGeneration, 5, StatusNormal, 3))

            Eventually(func() []string {
                return gossiper.Store().Coordinator().LiveEndpoints()
            }, "5s").Should(ContainElement(peerB))

            staleGeneration := baseGeneration - 5
            gossiper.HandleShutdown(peerB, &staleGeneration)

            Consistently(func() bool {
                return gossiper.IsShutdown(peerB)
            }, "500ms").Should(BeFalse())
        })
    })

    Describe("Digest examination", func() {
        sendSyn := func(digests []GossipDigest) {
            gossiper.HandleSyn(peerC, GossipDigestSyn{
                ClusterName: "test-cluster",
                PartitionerName: "murmur3",
                Digests: digests,
            })
        }

        BeforeEach(func() {
            applyRemote(peerB, makeRemoteState(baseGeneration, 10, StatusNormal, 5))

            Eventually(func() int {
                return recorder.countOf("join", peerB)
            }, "5s").Should(Equal(1))
        })

        It("Should request full state for an unknown endpoint", func() {
            sendSyn([]GossipDigest{ GossipDigest{ Endpoint: "10.0.0.9:9090", Generation: 123, MaxVersion: 5 } })

            Eventually(sender.ackCount, "5s").Should(Equal(1))

            sender.mu.Lock()
            defer sender.mu.Unlock()

            Expect(sender.acks[0].Digests).Should(ContainElement(GossipDigest{ Endpoint: "10.0.0.9:9090", Generation: 123, MaxVersion: 0 }))
        })

        It("Should request full state when the remote generation is newer", func() {
            sendSyn([]GossipDigest{ GossipDigest{ Endpoint: peerB, Generation: baseGeneration + 5, MaxVersion: 1 } })

            Eventually(sender.ackCount, "5s").Should(Equal(1))

            sender.mu.Lock()
            defer sender.mu.Unlock()

            Expect(sender.acks[0].Digests).Should(ContainElement(GossipDigest{ Endpoint: peerB, Generation: baseGeneration + 5, MaxVersion: 0 }))
        })

        It("Should send the full local state when the remote generation is older", func() {
            sendSyn([]GossipDigest{ GossipDigest{ Endpoint: peerB, Generation: baseGeneration - 5, MaxVersion: 1 } })

            Eventually(sender.ackCount, "5s").Should(Equal(1))

            sender.mu.Lock()
            defer sender.mu.Unlock()

            Expect(sender.acks[0].EndpointStates).Should(HaveKey(peerB))
            Expect(sender.acks[0].EndpointStates[peerB].ApplicationStates).Should(HaveKey(AppStateStatus))
        })

        It("Should request only the missing delta under equal generations", func() {
            sendSyn([]GossipDigest{ GossipDigest{ Endpoint: peerB, Generation: baseGeneration, MaxVersion: 15 } })

            Eventually(sender.ackCount, "5s").Should(Equal(1))

            sender.mu.Lock()
            defer sender.mu.Unlock()

            Expect(sender.acks[0].Digests).Should(ContainElement(GossipDigest{ Endpoint: peerB, Generation: baseGeneration, MaxVersion: 10 }))
        })

        It("Should send only the newer entries under equal generations", func() {
            sendSyn([]GossipDigest{ GossipDigest{ Endpoint: peerB, Generation: baseGeneration, MaxVersion: 7 } })

            Eventually(sender.ackCount, "5s").Should(Equal(1))

            sender.mu.Lock()
            defer sender.mu.Unlock()

            Expect(sender.acks[0].EndpointStates).Should(HaveKey(peerB))
            // the status entry at version 5 is not newer than 7 and stays out
            Expect(sender.acks[0].EndpointStates[peerB].ApplicationStates).Should(Not(HaveKey(AppStateStatus)))
            Expect(sender.acks[0].EndpointStates[peerB].HeartBeat.Version).Should(Equal(int32(10)))
        })

        It("Should skip an endpoint that matches exactly", func() {
            sendSyn([]GossipDigest{ GossipDigest{ Endpoint: peerB, Generation: baseGeneration, MaxVersion: 10 } })

            Eventually(sender.ackCount, "5s").Should(Equal(1))

            sender.mu.Lock()
            defer sender.mu.Unlock()

            Expect(sender.acks[0].Digests).Should(BeEmpty())
            Expect(sender.acks[0].EndpointStates).Should(BeEmpty())
        })

        It("Should reply with every known endpoint to a completely empty syn", func() {
            sendSyn(nil)

            Eventually(sender.ackCount, "5s").Should(Equal(1))

            sender.mu.Lock()
            defer sender.mu.Unlock()

            Expect(sender.acks[0].EndpointStates).Should(HaveKey(localAddress))
            Expect(sender.acks[0].EndpointStates).Should(HaveKey(peerB))
        })

        It("Should drop a syn from a different cluster", func() {
            gossiper.HandleSyn(peerC, GossipDigestSyn{
                ClusterName: "other-cluster",
                Digests: []GossipDigest{ GossipDigest{ Endpoint: peerB, Generation: baseGeneration, MaxVersion: 1 } },
            })

            Consistently(sender.ackCount, "500ms").Should(Equal(0))
        })
    })

    Describe("Per source coalescing", func() {
        It("Should process the first syn, replace the stashed one and answer only the newest", func() {
            sender.mu.Lock()
            sender.ackEntered = make(chan int)
            sender.ackBarrier = make(chan int)
            sender.mu.Unlock()

            synFor := func(endpoint string) GossipDigestSyn {
                return GossipDigestSyn{
                    ClusterName: "test-cluster",
                    PartitionerName: "murmur3",
                    Digests: []GossipDigest{ GossipDigest{ Endpoint: endpoint, Generation: 100, MaxVersion: 1 } },
                }
            }

            gossiper.HandleSyn(peerC, synFor("10.0.0.20:9090"))

            // wait until the first ack is being produced
            <-sender.ackEntered

            gossiper.HandleSyn(peerC, synFor("10.0.0.21:9090"))
            time.Sleep(100 * time.Millisecond)
            gossiper.HandleSyn(peerC, synFor("10.0.0.22:9090"))
            time.Sleep(100 * time.Millisecond)

            // release the first ack; the handler then drains the stash
            sender.ackBarrier <- 1
            <-sender.ackEntered
            sender.ackBarrier <- 1

            Eventually(sender.ackCount, "5s").Should(Equal(2))
            Consistently(sender.ackCount, "500ms").Should(Equal(2))

            sender.mu.Lock()
            defer sender.mu.Unlock()

            Expect(sender.acks[0].Digests[0].Endpoint).Should(Equal("10.0.0.20:9090"))
            Expect(sender.acks[1].Digests[0].Endpoint).Should(Equal("10.0.0.22:9090"))
        })
    })

    Describe("#AddLocalApplicationState", func() {
        It("Should rewrite versions from the monotonic counter and notify in order", func() {
            Expect(gossiper.AddLocalApplicationState(AppStateLoad, VersionedValue{ Value: "1.0" })).Should(BeNil())

            state, _ := gossiper.Store().Coordinator().EndpointState(localAddress)
            firstVersion := state.ApplicationStates[AppStateLoad].Version

            Expect(firstVersion > 0).Should(BeTrue())

            Expect(gossiper.AddLocalApplicationState(AppStateLoad, VersionedValue{ Value: "2.0" })).Should(BeNil())

            state, _ = gossiper.Store().Coordinator().EndpointState(localAddress)
            secondVersion := state.ApplicationStates[AppStateLoad].Version

            Expect(secondVersion > firstVersion).Should(BeTrue())

            before, _ := recorder.firstOf("before_change", localAddress)
            Expect(before.Key).Should(Equal(AppStateLoad))
            Expect(recorder.countOf("change", localAddress)).Should(Equal(2))

            // the change must be on every replica before listeners observed it
            replicated, ok := gossiper.Store().Replica(2).EndpointState(localAddress)
            Expect(ok).Should(BeTrue())
            Expect(replicated.ApplicationStates[AppStateLoad].Version).Should(Equal(secondVersion))
        })
    })

    Describe("#HandleEcho", func() {
        Context("While advertising", func() {
            It("Should accept the probe", func() {
                Expect(gossiper.HandleEcho(peerB, nil)).Should(BeNil())
            })
        })

        Context("When advertising is restricted to specific nodes", func() {
            It("Should only answer those nodes at the saved generation", func() {
                applyRemote(peerB, makeRemoteState(baseGeneration, 5, StatusNormal, 3))

                Eventually(func() int {
                    return recorder.countOf("join", peerB)
                }, "5s").Should(Equal(1))

                gossiper.AdvertiseToNodes(map[string]int32{ peerB: baseGeneration })

                generation := baseGeneration
                Expect(gossiper.HandleEcho(peerB, &generation)).Should(BeNil())

                otherGeneration := baseGeneration + 1
                Expect(gossiper.HandleEcho(peerB, &otherGeneration)).Should(Not(BeNil()))
                Expect(gossiper.HandleEcho(peerC, nil)).Should(Not(BeNil()))
            })
        })
    })

    Describe("#HandleGetEndpointStates", func() {
        It("Should return only the wanted application states", func() {
            response := gossiper.HandleGetEndpointStates(GetEndpointStatesRequest{
                WantedKeys: []ApplicationStateKey{ AppStateStatus },
            })

            Expect(response.EndpointStates).Should(HaveKey(localAddress))
            Expect(response.EndpointStates[localAddress].ApplicationStates).Should(Not(HaveKey(AppStateSupportedFeatures)))
        })
    })

    Describe("#Stop", func() {
        It("Should publish a winning shutdown notice and tell every live peer", func() {
            applyRemote(peerB, makeRemoteState(baseGeneration, 5, StatusNormal, 3))

            Eventually(func() []string {
                return gossiper.Store().Coordinator().LiveEndpoints()
            }, "5s").Should(ContainElement(peerB))

            gossiper.Stop()

            Expect(gossiper.IsEnabled()).Should(BeFalse())

            state, _ := gossiper.Store().Coordinator().EndpointState(localAddress)
            Expect(state.Status()).Should(Equal(StatusShutdown))
            Expect(state.HeartBeat.Version).Should(Equal(int32((1 << 31) - 1)))

            sender.mu.Lock()
            defer sender.mu.Unlock()

            Expect(sender.shutdownTargets).Should(ContainElement(peerB))
        })
    })
})

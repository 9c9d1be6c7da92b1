package gossip_test

import (
    "context"

    . "github.com/PelionIoT/memberdb/gossip"

    . "github.com/onsi/ginkgo"
    . "github.com/onsi/gomega"
)

var _ = Describe("Shadow round", func() {
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
    })

    Context("When a contact supports the get_endpoint_states verb", func() {
        It("Should apply the reply without firing any listener", func() {
            sender.mu.Lock()
            sender.getStatesFn = func(to string) (*GetEndpointStatesResponse, error) {
                return &GetEndpointStatesResponse{
                    EndpointStates: map[string]*EndpointState{
                        peerB: makeRemoteState(baseGeneration, 5, StatusNormal, 3),
                    },
                }, nil
            }
            sender.mu.Unlock()

            Expect(gossiper.DoShadowRound([]string{ peerB })).Should(BeNil())

            state, ok := gossiper.Store().Coordinator().EndpointState(peerB)

            Expect(ok).Should(BeTrue())
            Expect(state.HeartBeat.Generation).Should(Equal(baseGeneration))

            Expect(recorder.countOf("join", peerB)).Should(Equal(0))
            Expect(recorder.countOf("alive", peerB)).Should(Equal(0))
            Expect(recorder.countOf("change", peerB)).Should(Equal(0))
        })
    })

    Context("When a contact lacks the get_endpoint_states verb", func() {
        It("Should fall back to empty syn probes and finish on the first reply", func() {
            sender.mu.Lock()
            sender.getStatesFn = func(to string) (*GetEndpointStatesResponse, error) {
                return nil, EUnknownVerb
            }
            sender.mu.Unlock()

            // answer the first empty syn probe the way a legacy peer would:
            // with an ack carrying everything it knows
            go func() {
                defer GinkgoRecover()

                Eventually(func() int {
                    sender.mu.Lock()
                    defer sender.mu.Unlock()

                    return len(sender.syns)
                }, "5s").Should(Not(Equal(0)))

                gossiper.HandleAck(peerB, GossipDigestAck{
                    EndpointStates: map[string]*EndpointState{
                        peerB: makeRemoteState(baseGeneration, 5, StatusNormal, 3),
                    },
                })
            }()

            Expect(gossiper.DoShadowRound([]string{ peerB })).Should(BeNil())
            Expect(gossiper.IsInShadowRound()).Should(BeFalse())

            Eventually(func() bool {
                _, ok := gossiper.Store().Coordinator().EndpointState(peerB)

                return ok
            }, "5s").Should(BeTrue())

            Expect(recorder.countOf("join", peerB)).Should(Equal(0))
        })
    })

    Context("When every contact is down", func() {
        It("Should skip the shadow round", func() {
            Expect(gossiper.DoShadowRound([]string{ peerB, peerC })).Should(BeNil())
            Expect(gossiper.Store().Coordinator().EndpointCount()).Should(Equal(0))
        })
    })
})

var _ = Describe("Settling", func() {
    It("Should enable exactly the features every peer supports", func() {
        sender := newMockSender()
        gossiper := NewGossiper(testConfig(), nil, sender)
        baseGeneration := CurrentGenerationNumber() - 1000

        Expect(gossiper.StartGossiping(baseGeneration, map[ApplicationStateKey]VersionedValue{
            AppStateSupportedFeatures: VersionedValue{ Value: "A,B,C" },
        }, true)).Should(BeNil())

        defer gossiper.Stop()

        remoteState := makeRemoteState(baseGeneration, 5, StatusNormal, 3)
        remoteState.AddApplicationState(AppStateSupportedFeatures, VersionedValue{ Value: "B,C", Version: 4 })

        gossiper.HandleAck2(peerB, GossipDigestAck2{
            EndpointStates: map[string]*EndpointState{ peerB: remoteState },
        })

        Eventually(func() bool {
            _, ok := gossiper.Store().Coordinator().EndpointState(peerB)

            return ok
        }, "5s").Should(BeTrue())

        // skip_wait_for_gossip_to_settle is zero in the test config so this
        // returns without polling
        gossiper.WaitForGossipToSettle()

        Expect(gossiper.Features().IsEnabled("B")).Should(BeTrue())
        Expect(gossiper.Features().IsEnabled("C")).Should(BeTrue())
        Expect(gossiper.Features().IsEnabled("A")).Should(BeFalse())
    })
})

var _ = Describe("DirectFDPinger", func() {
    var sender *mockSender
    var gossiper *Gossiper

    BeforeEach(func() {
        sender = newMockSender()
        gossiper = NewGossiper(testConfig(), nil, sender)
    })

    Describe("#AllocateID", func() {
        It("Should hand out stable ids per address", func() {
            id1 := gossiper.Pinger().AllocateID(peerB)
            id2 := gossiper.Pinger().AllocateID(peerB)
            id3 := gossiper.Pinger().AllocateID(peerC)

            Expect(id1).Should(Equal(id2))
            Expect(id3).Should(Not(Equal(id1)))
        })
    })

    Describe("#Address", func() {
        It("Should lazily resolve ids on other shards from the coordinator", func() {
            id := gossiper.Pinger().AllocateID(peerB)

            address, err := gossiper.Pinger().Address(2, id)

            Expect(err).Should(BeNil())
            Expect(address).Should(Equal(peerB))

            _, err = gossiper.Pinger().Address(1, id + 1000)
            Expect(err).Should(Equal(ENoSuchEndpointID))
        })
    })

    Describe("#Ping", func() {
        It("Should report success and carry the propagated generation", func() {
            gossiper.Pinger().UpdateGenerationNumber(4242)

            id := gossiper.Pinger().AllocateID(peerB)
            alive, err := gossiper.Pinger().Ping(context.TODO(), 0, id)

            Expect(err).Should(BeNil())
            Expect(alive).Should(BeTrue())

            sender.mu.Lock()
            defer sender.mu.Unlock()

            Expect(sender.echoes[len(sender.echoes) - 1]).Should(Equal(sentEcho{ To: peerB, Generation: 4242 }))
        })

        It("Should report false on a closed connection", func() {
            sender.mu.Lock()
            sender.echoErr = EConnectionClosed
            sender.mu.Unlock()

            id := gossiper.Pinger().AllocateID(peerB)
            alive, err := gossiper.Pinger().Ping(context.TODO(), 0, id)

            Expect(err).Should(BeNil())
            Expect(alive).Should(BeFalse())
        })
    })

    Describe("#UpdateGenerationNumber", func() {
        It("Should never move backwards", func() {
            gossiper.Pinger().UpdateGenerationNumber(100)
            gossiper.Pinger().UpdateGenerationNumber(50)

            Expect(gossiper.Pinger().GenerationNumber()).Should(Equal(int32(100)))
        })
    })
})

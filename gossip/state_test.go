package gossip_test

import (
    "encoding/json"

    . "github.com/PelionIoT/memberdb/gossip"

    . "github.com/onsi/ginkgo"
    . "github.com/onsi/gomega"
)

var _ = Describe("EndpointState", func() {
    Describe("#MaxVersion", func() {
        It("Should be the maximum of the heartbeat version and every application state version", func() {
            state := NewEndpointState(HeartBeatState{ Generation: 100, Version: 7 })

            Expect(state.MaxVersion()).Should(Equal(int32(7)))

            state.AddApplicationState(AppStateStatus, VersionedValue{ Value: "NORMAL", Version: 9 })
            Expect(state.MaxVersion()).Should(Equal(int32(9)))

            state.AddApplicationState(AppStateLoad, VersionedValue{ Value: "1.5", Version: 3 })
            Expect(state.MaxVersion()).Should(Equal(int32(9)))

            state.HeartBeat.Version = 20
            Expect(state.MaxVersion()).Should(Equal(int32(20)))
        })
    })

    Describe("#Status", func() {
        It("Should parse the first component of the STATUS value", func() {
            state := NewEndpointState(HeartBeatState{ Generation: 100 })

            Expect(state.Status()).Should(Equal(""))

            state.AddApplicationState(AppStateStatus, VersionedValue{ Value: "NORMAL,12345", Version: 1 })
            Expect(state.Status()).Should(Equal(StatusNormal))

            state.AddApplicationState(AppStateStatus, VersionedValue{ Value: "LEFT,12345,99", Version: 2 })
            Expect(state.Status()).Should(Equal(StatusLeft))
        })
    })

    Describe("#IsDeadState", func() {
        It("Should be true exactly for LEFT, removed and removing", func() {
            state := NewEndpointState(HeartBeatState{ Generation: 100 })

            for _, status := range []string{ StatusLeft, StatusRemovedToken, StatusRemovingToken } {
                state.AddApplicationState(AppStateStatus, VersionedValue{ Value: status, Version: 1 })
                Expect(state.IsDeadState()).Should(BeTrue())
            }

            for _, status := range []string{ StatusNormal, StatusShutdown, "" } {
                state.AddApplicationState(AppStateStatus, VersionedValue{ Value: status, Version: 1 })
                Expect(state.IsDeadState()).Should(BeFalse())
            }
        })
    })

    Describe("#StateForVersionBiggerThan", func() {
        It("Should accumulate only entries above the version", func() {
            state := NewEndpointState(HeartBeatState{ Generation: 100, Version: 10 })
            state.AddApplicationState(AppStateStatus, VersionedValue{ Value: "NORMAL", Version: 5 })
            state.AddApplicationState(AppStateHostID, VersionedValue{ Value: "abc", Version: 12 })

            delta := state.StateForVersionBiggerThan(8)

            Expect(delta).Should(Not(BeNil()))
            Expect(delta.HeartBeat.Version).Should(Equal(int32(10)))
            Expect(delta.ApplicationStates).Should(HaveLen(1))
            Expect(delta.ApplicationStates[AppStateHostID].Value).Should(Equal("abc"))
        })

        It("Should include an old heartbeat when only application states are newer", func() {
            state := NewEndpointState(HeartBeatState{ Generation: 100, Version: 3 })
            state.AddApplicationState(AppStateStatus, VersionedValue{ Value: "NORMAL", Version: 9 })

            delta := state.StateForVersionBiggerThan(5)

            Expect(delta).Should(Not(BeNil()))
            Expect(delta.HeartBeat.Version).Should(Equal(int32(3)))
            Expect(delta.ApplicationStates).Should(HaveLen(1))
        })

        It("Should return nil when nothing is newer", func() {
            state := NewEndpointState(HeartBeatState{ Generation: 100, Version: 3 })
            state.AddApplicationState(AppStateStatus, VersionedValue{ Value: "NORMAL", Version: 2 })

            Expect(state.StateForVersionBiggerThan(5)).Should(BeNil())
        })
    })

    Describe("#Clone", func() {
        It("Should produce an independent copy", func() {
            state := NewEndpointState(HeartBeatState{ Generation: 100, Version: 1 })
            state.AddApplicationState(AppStateStatus, VersionedValue{ Value: "NORMAL", Version: 1 })

            clone := state.Clone()
            clone.AddApplicationState(AppStateStatus, VersionedValue{ Value: "LEFT", Version: 2 })
            clone.HeartBeat.Version = 50

            Expect(state.ApplicationStates[AppStateStatus].Value).Should(Equal("NORMAL"))
            Expect(state.HeartBeat.Version).Should(Equal(int32(1)))
        })
    })

    Describe("Wire encoding", func() {
        It("Should encode and decode a digest identically", func() {
            digest := GossipDigest{ Endpoint: "10.0.0.1:9090", Generation: 100, MaxVersion: 42 }

            first, err := json.Marshal(digest)
            Expect(err).Should(BeNil())

            var decoded GossipDigest

            Expect(json.Unmarshal(first, &decoded)).Should(BeNil())
            Expect(decoded).Should(Equal(digest))

            second, err := json.Marshal(decoded)
            Expect(err).Should(BeNil())
            Expect(second).Should(Equal(first))
        })

        It("Should encode and decode an endpoint state identically", func() {
            state := NewEndpointState(HeartBeatState{ Generation: 100, Version: 42 })
            state.AddApplicationState(AppStateStatus, VersionedValue{ Value: "NORMAL,123", Version: 3 })
            state.AddApplicationState(AppStateSupportedFeatures, VersionedValue{ Value: "A,B", Version: 7 })

            first, err := json.Marshal(state)
            Expect(err).Should(BeNil())

            var decoded EndpointState

            Expect(json.Unmarshal(first, &decoded)).Should(BeNil())
            Expect(decoded.HeartBeat).Should(Equal(state.HeartBeat))
            Expect(decoded.ApplicationStates).Should(Equal(state.ApplicationStates))

            second, err := json.Marshal(&decoded)
            Expect(err).Should(BeNil())
            Expect(second).Should(Equal(first))
        })
    })
})

var _ = Describe("SortDigestsByDivergence", func() {
    It("Should discuss the most diverged endpoints first", func() {
        digests := []GossipDigest{
            GossipDigest{ Endpoint: "a", Generation: 1, MaxVersion: 12 },
            GossipDigest{ Endpoint: "b", Generation: 1, MaxVersion: 100 },
            GossipDigest{ Endpoint: "c", Generation: 1, MaxVersion: 11 },
        }

        local := map[string]int32{ "a": 10, "b": 10, "c": 10 }

        SortDigestsByDivergence(digests, func(endpoint string) int32 {
            return local[endpoint]
        })

        Expect(digests[0].Endpoint).Should(Equal("b"))
    })
})

var _ = Describe("FeatureSet", func() {
    It("Should split comma separated names and drop empty entries", func() {
        Expect(FeatureSet("A,B,,C")).Should(Equal(map[string]bool{ "A": true, "B": true, "C": true }))
        Expect(FeatureSet("")).Should(BeEmpty())
    })
})

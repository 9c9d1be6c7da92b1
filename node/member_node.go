package node

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
    "fmt"
    "net/http"
    "strings"
    "time"

    "github.com/google/uuid"
    "github.com/gorilla/mux"
    "github.com/prometheus/client_golang/prometheus/promhttp"

    "github.com/PelionIoT/memberdb/discovery"
    . "github.com/PelionIoT/memberdb/gossip"
    . "github.com/PelionIoT/memberdb/logging"
    "github.com/PelionIoT/memberdb/routes"
    . "github.com/PelionIoT/memberdb/shared"
    "github.com/PelionIoT/memberdb/storage"
    "github.com/PelionIoT/memberdb/transport"
)

const (
    gossipStoragePrefix = iota
    nodeStoragePrefix = iota
)

var hostIDKey = []byte("hostid")

// NodeFeatures is what this build of the software supports. It converges
// across the cluster through the SUPPORTED_FEATURES application state.
var NodeFeatures = []string{
    "DIGEST_GOSSIP",
    "SHUTDOWN_ANNOUNCE",
    "ENDPOINT_STATES_VERB",
}

// MemberNode owns the membership core of one database node: the storage
// driver, the transport hub, the gossiper and the admin surface.
type MemberNode struct {
    config YAMLGossipConfig
    storageDriver storage.StorageDriver
    gossiper *Gossiper
    hub *transport.TransportHub
    hostID string
    gossipServer *http.Server
    adminServer *http.Server
    seedDiscovery *discovery.EtcdSeedDiscovery
}

func New(config YAMLGossipConfig) *MemberNode {
    return &MemberNode{
        config: config,
        storageDriver: storage.NewLevelDBStorageDriver(config.DBFile, nil),
    }
}

func (node *MemberNode) localAddress() string {
    host := node.config.Host

    if host == "" {
        host = "127.0.0.1"
    }

    return fmt.Sprintf("%s:%d", host, node.config.Port)
}

func (node *MemberNode) Gossiper() *Gossiper {
    return node.gossiper
}

func (node *MemberNode) HostID() string {
    return node.hostID
}

// Start brings the node up: storage, host id, transport, shadow round,
// gossip, admin server, and finally the NORMAL status announcement once the
// view has settled.
func (node *MemberNode) Start() error {
    if err := node.storageDriver.Open(); err != nil {
        Log.Criticalf("Local node unable to open storage: %v", err)

        return err
    }

    if err := node.loadHostID(); err != nil {
        return err
    }

    Log.Infof("Local node (id = %s) starting up...", node.hostID)

    localAddress := node.localAddress()
    node.hub = transport.NewTransportHub(localAddress)

    persistence := NewPersistence(storage.NewPrefixedStorageDriver([]byte{ gossipStoragePrefix }, node.storageDriver))

    seeds, err := node.resolveSeeds()

    if err != nil {
        return err
    }

    node.gossiper = NewGossiper(Config{
        LocalAddress: localAddress,
        ClusterName: node.config.ClusterName,
        PartitionerName: node.config.PartitionerName,
        Seeds: seeds,
        RingDelayMs: node.config.RingDelayMs,
        FailureDetectorTimeoutMs: node.config.FailureDetectorTimeoutMs,
        ShadowRoundMs: node.config.ShadowRoundMs,
        ShutdownAnnounceMs: node.config.ShutdownAnnounceMs,
        SkipWaitForGossipToSettle: node.config.SkipWaitForGossipToSettle,
        ForceGossipGeneration: node.config.ForceGossipGeneration,
        AdvertiseMyself: node.config.ShouldAdvertise(),
    }, nil, node.hub)

    node.gossiper.UsePersistence(persistence)
    node.hub.OnReceive(node.gossiper)

    if err := node.startGossipServer(); err != nil {
        return err
    }

    node.startAdminServer()

    // Populate the local view before joining. A total shadow round failure
    // means the node must not join.
    if len(seeds) > 0 {
        if err := node.gossiper.DoShadowRound(seeds); err != nil {
            Log.Criticalf("Shadow round failed: %v", err)

            return err
        }
    }

    preload := map[ApplicationStateKey]VersionedValue{
        AppStateHostID: VersionedValue{ Value: node.hostID },
        AppStateSupportedFeatures: VersionedValue{ Value: strings.Join(NodeFeatures, ",") },
        AppStateNetVersion: VersionedValue{ Value: "1" },
        AppStateSnitchName: VersionedValue{ Value: "SimpleSnitch" },
    }

    if err := node.gossiper.StartGossiping(CurrentGenerationNumber(), preload, node.config.ShouldAdvertise()); err != nil {
        return err
    }

    // Reach for peers remembered from the previous incarnation
    savedEndpoints, err := persistence.SavedEndpoints()

    if err != nil {
        Log.Errorf("Unable to load saved endpoints: %v", err)
    } else {
        for _, endpoint := range savedEndpoints {
            node.gossiper.AddSavedEndpoint(endpoint)
        }
    }

    node.gossiper.WaitForGossipToSettle()

    node.gossiper.AddLocalApplicationStates(map[ApplicationStateKey]VersionedValue{
        AppStateStatus: VersionedValue{ Value: StatusNormal },
        AppStateRPCReady: VersionedValue{ Value: "true" },
    })

    return nil
}

func (node *MemberNode) loadHostID() error {
    values, err := node.storageDriver.Get([][]byte{ append([]byte{ nodeStoragePrefix }, hostIDKey...) })

    if err != nil {
        Log.Criticalf("Local node unable to obtain its host ID: %v", err)

        return err
    }

    if values[0] != nil {
        node.hostID = string(values[0])

        return nil
    }

    node.hostID = uuid.New().String()

    Log.Infof("Local node initializing with ID %s", node.hostID)

    batch := storage.NewBatch()
    batch.Put(append([]byte{ nodeStoragePrefix }, hostIDKey...), []byte(node.hostID))

    if err := node.storageDriver.Batch(batch); err != nil {
        Log.Criticalf("Local node unable to store its new host ID: %v", err)

        return err
    }

    return nil
}

func (node *MemberNode) resolveSeeds() ([]string, error) {
    seeds := node.config.Seeds

    if node.config.SeedDiscovery == nil {
        return seeds, nil
    }

    seedDiscovery, err := discovery.NewEtcdSeedDiscovery(node.config.SeedDiscovery.Endpoints, node.config.SeedDiscovery.Prefix)

    if err != nil {
        Log.Criticalf("Unable to reach the seed discovery endpoints: %v", err)

        return nil, err
    }

    node.seedDiscovery = seedDiscovery

    ctx, cancelDiscovery := context.WithTimeout(context.Background(), discovery.DialTimeout)
    defer cancelDiscovery()

    discovered, err := seedDiscovery.Seeds(ctx)

    if err != nil {
        Log.Criticalf("Seed discovery failed: %v", err)

        return nil, err
    }

    if err := seedDiscovery.RegisterNode(ctx, node.localAddress(), 30); err != nil {
        Log.Errorf("Unable to register this node with seed discovery: %v", err)
    }

    return append(seeds, discovered...), nil
}

func (node *MemberNode) startGossipServer() error {
    router := mux.NewRouter()
    node.hub.Attach(router)

    node.gossipServer = &http.Server{
        Addr: fmt.Sprintf(":%d", node.config.Port),
        Handler: router,
    }

    go func() {
        if err := node.gossipServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
            Log.Criticalf("Gossip server stopped: %v", err)
        }
    }()

    return nil
}

func (node *MemberNode) startAdminServer() {
    if node.config.AdminPort == 0 {
        return
    }

    router := mux.NewRouter()

    gossipEndpoint := &routes.GossipEndpoint{ GossipFacade: node.gossiper }
    gossipEndpoint.Attach(router)

    eventsEndpoint := routes.NewEventsEndpoint()
    eventsEndpoint.Attach(router)
    node.gossiper.Register(eventsEndpoint)

    router.Handle("/metrics", promhttp.Handler()).Methods("GET")

    node.adminServer = &http.Server{
        Addr: fmt.Sprintf(":%d", node.config.AdminPort),
        Handler: router,
    }

    go func() {
        if err := node.adminServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
            Log.Criticalf("Admin server stopped: %v", err)
        }
    }()
}

// Stop announces shutdown, stops gossiping and tears the servers down.
func (node *MemberNode) Stop() {
    if node.gossiper != nil {
        node.gossiper.Stop()
    }

    shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5 * time.Second)
    defer cancelShutdown()

    if node.gossipServer != nil {
        node.gossipServer.Shutdown(shutdownCtx)
    }

    if node.adminServer != nil {
        node.adminServer.Shutdown(shutdownCtx)
    }

    if node.seedDiscovery != nil {
        node.seedDiscovery.Close()
    }

    node.storageDriver.Close()
}

package routes

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
    "encoding/json"
    "io"
    "net/http"

    "github.com/gorilla/mux"

    . "github.com/PelionIoT/memberdb/gossip"
    . "github.com/PelionIoT/memberdb/logging"
)

// GossipFacade is the slice of the gossip engine the admin API needs.
type GossipFacade interface {
    LocalAddress() string
    LiveMembers() []string
    UnreachableMembers() []string
    EndpointStates() map[string]*EndpointState
    GossipStatus(endpoint string) string
    AssassinateEndpoint(endpoint string) error
    ForceRemoveEndpoint(endpoint string) error
}

type NodeOverview struct {
    Address string `json:"address"`
    Generation int32 `json:"generation"`
    Heartbeat int32 `json:"heartbeat"`
    Alive bool `json:"alive"`
    Status string `json:"status"`
}

type ClusterOverview struct {
    LocalAddress string `json:"localAddress"`
    Nodes []NodeOverview `json:"nodes"`
    LiveMembers []string `json:"liveMembers"`
    UnreachableMembers []string `json:"unreachableMembers"`
}

type GossipEndpoint struct {
    GossipFacade GossipFacade
}

func (gossipEndpoint *GossipEndpoint) Attach(router *mux.Router) {
    // Cluster membership overview
    router.HandleFunc("/gossip/nodes", func(w http.ResponseWriter, r *http.Request) {
        var overview ClusterOverview

        overview.LocalAddress = gossipEndpoint.GossipFacade.LocalAddress()
        overview.LiveMembers = gossipEndpoint.GossipFacade.LiveMembers()
        overview.UnreachableMembers = gossipEndpoint.GossipFacade.UnreachableMembers()
        overview.Nodes = make([]NodeOverview, 0)

        for endpoint, endpointState := range gossipEndpoint.GossipFacade.EndpointStates() {
            overview.Nodes = append(overview.Nodes, NodeOverview{
                Address: endpoint,
                Generation: endpointState.HeartBeat.Generation,
                Heartbeat: endpointState.HeartBeat.Version,
                Alive: endpointState.Alive,
                Status: endpointState.Status(),
            })
        }

        encodedOverview, err := json.Marshal(overview)

        if err != nil {
            Log.Warningf("GET /gossip/nodes: %v", err)

            w.WriteHeader(http.StatusInternalServerError)

            return
        }

        w.Header().Set("Content-Type", "application/json")
        w.WriteHeader(http.StatusOK)
        w.Write(encodedOverview)
    }).Methods("GET")

    // Force remove a node that can not leave the cluster cleanly
    router.HandleFunc("/gossip/nodes/{address}/assassinate", func(w http.ResponseWriter, r *http.Request) {
        address := mux.Vars(r)["address"]

        if err := gossipEndpoint.GossipFacade.AssassinateEndpoint(address); err != nil {
            Log.Warningf("POST /gossip/nodes/%s/assassinate: %v", address, err)

            w.WriteHeader(http.StatusInternalServerError)
            io.WriteString(w, err.Error())

            return
        }

        w.WriteHeader(http.StatusOK)
    }).Methods("POST")

    // Remove a node right away without the assassinate safety waits
    router.HandleFunc("/gossip/nodes/{address}", func(w http.ResponseWriter, r *http.Request) {
        address := mux.Vars(r)["address"]

        if err := gossipEndpoint.GossipFacade.ForceRemoveEndpoint(address); err != nil {
            Log.Warningf("DELETE /gossip/nodes/%s: %v", address, err)

            w.WriteHeader(http.StatusInternalServerError)
            io.WriteString(w, err.Error())

            return
        }

        w.WriteHeader(http.StatusOK)
    }).Methods("DELETE")
}

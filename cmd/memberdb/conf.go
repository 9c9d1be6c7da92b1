package main

import (
    "fmt"
)

func init() {
    registerCommand("conf", generateConfig, confUsage)
}

var confUsage string =
`Usage: memberdb conf > memberdb.yaml
`

var templateConfig string =
`# The db field specifies the directory where the membership database files
# reside on disk. If it doesn't exist it will be created.
# **REQUIRED**
db: /tmp/memberdb

# The address and port other cluster members use to gossip with this node.
# **REQUIRED**
host: 127.0.0.1
port: 9090

# The port on which the admin API (membership overview, event stream,
# metrics, assassinate) is served. Zero disables the admin API.
adminPort: 9191

# Peers from a different cluster are ignored. Every node of one cluster must
# agree on this name.
# **REQUIRED**
clusterName: memberdb-cluster

# If non-empty, peers advertising a different partitioner are ignored.
partitionerName: ""

# The initial contact points used while no live peer is known yet. Seeds are
# regular nodes; every node should name the same small set of seeds.
seeds:
  - 127.0.0.1:9090

# Alternatively seeds can be discovered from an etcd prefix. Each key under
# the prefix holds one gossip address.
# seedDiscovery:
#   endpoints:
#     - http://127.0.0.1:2379
#   prefix: /memberdb/nodes/

# The assumed time in milliseconds for membership changes to propagate
# through the cluster. The quarantine window for removed nodes is twice this
# value (with a floor of 30000ms).
ringDelayMs: 30000

# How long in milliseconds an unresponsive node is given on top of the echo
# interval before the failure detector convicts it.
failureDetectorTimeoutMs: 20000

# Hard cap in milliseconds for the pre-join shadow round. If no contact
# produced a reply within this window the node refuses to join. When every
# contact is down the round is skipped and the node joins anyway.
shadowRoundMs: 300000

# How long in milliseconds to keep gossiping after announcing shutdown so the
# notice reaches the cluster.
shutdownAnnounceMs: 2000

# Zero skips waiting for gossip to settle at startup (do not use this in
# production), a positive value caps the number of settle polls and a
# negative value waits the default way.
skipWaitForGossipToSettle: -1

# If positive, overrides the startup generation. Only useful for operational
# recovery when a node's clock jumped backwards.
forceGossipGeneration: 0

# When off, this node refuses echo probes so the rest of the cluster keeps
# treating it as down. Used when replacing a node.
advertiseMyself: true

# debug, info, notice, warning, error, critical
logLevel: info
`

func generateConfig() {
    fmt.Print(templateConfig)
}

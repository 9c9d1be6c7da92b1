package gossip

import (
    "github.com/prometheus/client_golang/prometheus"
)

// The same metric group the gossiper has always exported: its own heartbeat
// and how many live and unreachable nodes it currently sees.
func registerGossiperMetrics(gossiper *Gossiper) {
    heartbeat := prometheus.NewCounterFunc(prometheus.CounterOpts{
        Namespace: "memberdb",
        Subsystem: "gossip",
        Name: "heart_beat",
        Help: "Heartbeat of the current node",
    }, func() float64 {
        endpointState, ok := gossiper.store.Coordinator().EndpointState(gossiper.config.LocalAddress)

        if !ok {
            return 0
        }

        return float64(endpointState.HeartBeat.Version)
    })

    live := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
        Namespace: "memberdb",
        Subsystem: "gossip",
        Name: "live",
        Help: "How many live nodes the current node sees",
    }, func() float64 {
        return float64(len(gossiper.store.Coordinator().LiveEndpoints()))
    })

    unreachable := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
        Namespace: "memberdb",
        Subsystem: "gossip",
        Name: "unreachable",
        Help: "How many unreachable nodes the current node sees",
    }, func() float64 {
        return float64(len(gossiper.store.Coordinator().UnreachableEndpoints()))
    })

    // Several gossipers can live in one process during tests. Only the first
    // one wins the registration.
    prometheus.Register(heartbeat)
    prometheus.Register(live)
    prometheus.Register(unreachable)
}

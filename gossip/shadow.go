package gossip

import (
    "context"
    "time"

    . "github.com/PelionIoT/memberdb/logging"
)

// ShadowRoundWantedKeys is the fixed set of application states a joining
// node asks its contacts for before it starts gossiping for real.
var ShadowRoundWantedKeys = []ApplicationStateKey{
    AppStateStatus,
    AppStateHostID,
    AppStateTokens,
    AppStateSupportedFeatures,
    AppStateSnitchName,
}

func (gossiper *Gossiper) gotoShadowRound() {
    gossiper.mu.Lock()
    defer gossiper.mu.Unlock()

    gossiper.inShadowRound = true
}

func (gossiper *Gossiper) finishShadowRound() {
    gossiper.mu.Lock()
    defer gossiper.mu.Unlock()

    gossiper.inShadowRound = false
}

// DoShadowRound populates the local state map from the given contact nodes
// without firing any listener. It prefers the get-endpoint-states verb and
// falls back to probing with completely empty SYNs when a contact lacks it.
// Fails after ShadowRoundMs without a single successful reply. When every
// contact reports down in one pass, the round ends at once and returns nil
// without any reply.
func (gossiper *Gossiper) DoShadowRound(nodes []string) error {
    contacts := make([]string, 0, len(nodes))

    for _, node := range nodes {
        if node != gossiper.config.LocalAddress {
            contacts = append(contacts, node)
        }
    }

    request := GetEndpointStatesRequest{ WantedKeys: ShadowRoundWantedKeys }

    Log.Infof("Gossip shadow round started with nodes=%v", contacts)

    nodesTalked := make(map[string]bool)
    fallBackToSynMsg := false
    startTime := time.Now()

    for {
        nodesDown := 0

        for _, node := range contacts {
            Log.Debugf("Sent get_endpoint_states request to %s", node)

            ctx, cancelRequest := context.WithTimeout(context.Background(), ShadowRoundRequestTimeout)
            response, err := gossiper.sender.GetEndpointStates(ctx, node, request)
            cancelRequest()

            switch err {
            case nil:
                Log.Debugf("Got get_endpoint_states response from %s", node)
                gossiper.applyStateLocallyWithoutListenerNotification(response.EndpointStates)
                nodesTalked[node] = true
            case EUnknownVerb:
                Log.Warningf("Node %s does not support get_endpoint_states verb", node)
                fallBackToSynMsg = true
            case ETimeout:
                Log.Warningf("The get_endpoint_states verb to node %s was timeout", node)
            default:
                nodesDown += 1
                Log.Warningf("Node %s is down for get_endpoint_states verb", node)
            }
        }

        if len(nodesTalked) > 0 {
            break
        }

        if nodesDown == len(contacts) {
            Log.Warningf("All nodes=%v are down for get_endpoint_states verb. Skip ShadowRound.", contacts)

            break
        }

        if fallBackToSynMsg {
            break
        }

        if time.Since(startTime) > time.Duration(gossiper.config.ShadowRoundMs) * time.Millisecond {
            return EShadowRoundFailed
        }

        if !gossiper.sleep(ShadowRoundRetryInterval) {
            return EShadowRoundFailed
        }

        Log.Infof("Connect nodes=%v again ... (%d seconds passed)", contacts, int(time.Since(startTime).Seconds()))
    }

    if fallBackToSynMsg {
        Log.Infof("Fallback to old method for ShadowRound")

        startTime = time.Now()
        gossiper.gotoShadowRound()

        for gossiper.IsInShadowRound() {
            // send a completely empty syn: the peer replies with everything
            // it knows
            for _, node := range contacts {
                syn := GossipDigestSyn{
                    ClusterName: gossiper.config.ClusterName,
                    PartitionerName: gossiper.config.PartitionerName,
                    Digests: nil,
                }

                Log.Debugf("Sending a GossipDigestSyn (ShadowRound) to %s ...", node)

                if err := gossiper.sender.SendSyn(gossiper.context(), node, syn); err != nil {
                    Log.Debugf("Fail to send GossipDigestSyn (ShadowRound) to %s: %v", node, err)
                }
            }

            if !gossiper.sleep(ShadowRoundRetryInterval) {
                return EShadowRoundFailed
            }

            if gossiper.IsInShadowRound() {
                if time.Since(startTime) > time.Duration(gossiper.config.ShadowRoundMs) * time.Millisecond {
                    gossiper.finishShadowRound()

                    return EShadowRoundFailed
                }

                Log.Infof("Connect nodes=%v again ... (%d seconds passed)", contacts, int(time.Since(startTime).Seconds()))
            }
        }
    }

    Log.Infof("Gossip shadow round finished with nodes_talked=%v", nodesTalked)

    return nil
}

package gossip

import (
    "time"

    . "github.com/PelionIoT/memberdb/logging"
)

// WaitForGossipToSettle blocks until the node's view of cluster membership
// has stopped churning: three consecutive polls with an unchanged endpoint
// count and no significant message in flight. A positive
// SkipWaitForGossipToSettle caps the number of polls; zero bypasses the wait
// entirely.
func (gossiper *Gossiper) WaitForGossipToSettle() {
    forceAfter := gossiper.config.SkipWaitForGossipToSettle

    if forceAfter != 0 {
        gossiper.waitForGossip(GossipSettleMinWait, forceAfter)
    }

    gossiper.mu.Lock()
    settled := gossiper.gossipSettled
    gossiper.gossipSettled = true
    gossiper.mu.Unlock()

    if !settled {
        gossiper.maybeEnableFeatures()
        gossiper.checkSeenSeeds()
    }
}

// WaitForRangeSetup waits one ring delay worth of settling before ring
// changes proceed.
func (gossiper *Gossiper) WaitForRangeSetup() {
    Log.Infof("Waiting for pending range setup...")

    ringDelay := time.Duration(gossiper.config.RingDelayMs) * time.Millisecond
    gossiper.waitForGossip(ringDelay, gossiper.config.SkipWaitForGossipToSettle)
}

func (gossiper *Gossiper) waitForGossip(initialDelay time.Duration, forceAfter int) {
    if forceAfter == 0 {
        Log.Warningf("Skipped to wait for gossip to settle by user request since skip_wait_for_gossip_to_settle is set zero. Do not use this in production!")

        return
    }

    totalPolls := 0
    numOkay := 0
    endpointCount := gossiper.store.Coordinator().EndpointCount()
    delay := initialDelay

    if !gossiper.sleep(GossipSettleMinWait) {
        return
    }

    for numOkay < GossipSettlePollSuccessesRequired {
        if !gossiper.sleep(delay) {
            return
        }

        delay = GossipSettlePollInterval

        currentSize := gossiper.store.Coordinator().EndpointCount()
        totalPolls += 1

        gossiper.mu.Lock()
        msgProcessing := gossiper.msgProcessing
        gossiper.mu.Unlock()

        if currentSize == endpointCount && msgProcessing == 0 {
            Log.Debugf("Gossip looks settled")
            numOkay += 1
        } else {
            Log.Infof("Gossip not settled after %d polls.", totalPolls)
            numOkay = 0
        }

        endpointCount = currentSize

        if forceAfter > 0 && totalPolls > forceAfter {
            Log.Warningf("Gossip not settled but startup forced by skip_wait_for_gossip_to_settle. Gossip total polls: %d", totalPolls)

            break
        }
    }

    if totalPolls > GossipSettlePollSuccessesRequired {
        Log.Infof("Gossip settled after %d extra polls; proceeding", totalPolls - GossipSettlePollSuccessesRequired)
    } else {
        Log.Infof("No gossip backlog; proceeding")
    }
}

// checkSeenSeeds logs whether any configured seed was actually observed
// during startup. Never seeing a seed usually means a configuration problem.
func (gossiper *Gossiper) checkSeenSeeds() {
    coordinator := gossiper.store.Coordinator()
    seen := false

    for _, endpoint := range coordinator.Endpoints() {
        if gossiper.IsSeed(endpoint) {
            seen = true

            break
        }
    }

    if seen {
        Log.Debugf("Seed was seen during startup")
    } else {
        Log.Warningf("No seed was contacted during startup; check the seeds configuration")
    }
}

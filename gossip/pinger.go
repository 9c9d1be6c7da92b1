package gossip

import (
    "context"
    "errors"
    "sync"

    . "github.com/PelionIoT/memberdb/logging"
)

var ENoSuchEndpointID = errors.New("The endpoint id has no corresponding address")

type pingerShard struct {
    mu sync.Mutex
    addrToID map[string]uint64
    idToAddr map[uint64]string
}

func newPingerShard() *pingerShard {
    return &pingerShard{
        addrToID: make(map[string]uint64),
        idToAddr: make(map[uint64]string),
    }
}

// DirectFDPinger is the echo callable used by an external per-node failure
// detector. Every replica holds a small address/endpoint-id bimap; ids are
// allocated only on the coordinator and the other replicas lazily fetch the
// reverse mapping from it on first use.
type DirectFDPinger struct {
    gossiper *Gossiper
    shards []*pingerShard
    mu sync.Mutex
    nextAllocatedID uint64
    generationNumber int32
}

func newDirectFDPinger(gossiper *Gossiper) *DirectFDPinger {
    shards := make([]*pingerShard, gossiper.store.ReplicaCount())

    for i := 0; i < len(shards); i += 1 {
        shards[i] = newPingerShard()
    }

    return &DirectFDPinger{
        gossiper: gossiper,
        shards: shards,
    }
}

// AllocateID assigns an endpoint id to the address. Allocation happens on
// the coordinator shard only.
func (pinger *DirectFDPinger) AllocateID(address string) uint64 {
    coordinator := pinger.shards[0]

    coordinator.mu.Lock()
    defer coordinator.mu.Unlock()

    if id, ok := coordinator.addrToID[address]; ok {
        return id
    }

    pinger.mu.Lock()
    pinger.nextAllocatedID += 1
    id := pinger.nextAllocatedID
    pinger.mu.Unlock()

    coordinator.addrToID[address] = id
    coordinator.idToAddr[id] = address

    Log.Debugf("direct_fd_pinger: assigned endpoint ID %d to address %s", id, address)

    return id
}

// Address resolves an endpoint id on the given shard, falling back to the
// coordinator's mapping and caching the result locally.
func (pinger *DirectFDPinger) Address(shard int, id uint64) (string, error) {
    local := pinger.shards[shard % len(pinger.shards)]

    local.mu.Lock()

    if address, ok := local.idToAddr[id]; ok {
        local.mu.Unlock()

        return address, nil
    }

    local.mu.Unlock()

    coordinator := pinger.shards[0]

    coordinator.mu.Lock()
    address, ok := coordinator.idToAddr[id]
    coordinator.mu.Unlock()

    if !ok {
        return "", ENoSuchEndpointID
    }

    local.mu.Lock()
    local.idToAddr[id] = address
    local.addrToID[address] = id
    local.mu.Unlock()

    return address, nil
}

// Ping sends an echo carrying the current generation. Returns false when the
// connection to the peer was closed and propagates any other error.
func (pinger *DirectFDPinger) Ping(ctx context.Context, shard int, id uint64) (bool, error) {
    address, err := pinger.Address(shard, id)

    if err != nil {
        return false, err
    }

    pinger.mu.Lock()
    generationNumber := pinger.generationNumber
    pinger.mu.Unlock()

    err = pinger.gossiper.sender.SendEcho(ctx, address, generationNumber)

    if err == EConnectionClosed {
        return false, nil
    }

    if err != nil {
        return false, err
    }

    return true, nil
}

// UpdateGenerationNumber propagates a new local generation to every shard.
// Generations never move backwards.
func (pinger *DirectFDPinger) UpdateGenerationNumber(generationNumber int32) {
    pinger.mu.Lock()
    defer pinger.mu.Unlock()

    if generationNumber <= pinger.generationNumber {
        return
    }

    pinger.generationNumber = generationNumber
}

func (pinger *DirectFDPinger) GenerationNumber() int32 {
    pinger.mu.Lock()
    defer pinger.mu.Unlock()

    return pinger.generationNumber
}

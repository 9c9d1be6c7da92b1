package gossip

import (
    "sync"
)

// VersionGenerator hands out the monotonic counter that versions both the
// heartbeat and every application state change made by the local node.
type VersionGenerator struct {
    mu sync.Mutex
    version int32
}

func (generator *VersionGenerator) NextVersion() int32 {
    generator.mu.Lock()
    defer generator.mu.Unlock()

    generator.version += 1

    return generator.version
}

func (generator *VersionGenerator) CurrentVersion() int32 {
    generator.mu.Lock()
    defer generator.mu.Unlock()

    return generator.version
}

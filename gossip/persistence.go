package gossip

import (
    "strconv"

    . "github.com/PelionIoT/memberdb/storage"
)

var generationKey = []byte("generation")
var peerFeaturesPrefix = []byte("features.")

// Persistence is the small key/value hook the gossiper keeps its generation
// counter and the last known feature set of every peer in.
type Persistence struct {
    storageDriver StorageDriver
}

func NewPersistence(storageDriver StorageDriver) *Persistence {
    return &Persistence{
        storageDriver: storageDriver,
    }
}

func (persistence *Persistence) SaveGeneration(generation int32) error {
    batch := NewBatch()
    batch.Put(generationKey, []byte(strconv.FormatInt(int64(generation), 10)))

    return persistence.storageDriver.Batch(batch)
}

// LoadGeneration returns the last persisted generation, or ok=false when no
// generation was ever saved.
func (persistence *Persistence) LoadGeneration() (int32, bool, error) {
    values, err := persistence.storageDriver.Get([][]byte{ generationKey })

    if err != nil {
        return 0, false, err
    }

    if values[0] == nil {
        return 0, false, nil
    }

    generation, err := strconv.ParseInt(string(values[0]), 10, 32)

    if err != nil {
        return 0, false, err
    }

    return int32(generation), true, nil
}

func peerFeaturesKey(endpoint string) []byte {
    key := make([]byte, 0, len(peerFeaturesPrefix) + len(endpoint))
    key = append(key, peerFeaturesPrefix...)
    key = append(key, []byte(endpoint)...)

    return key
}

// SavePeerFeatures remembers the comma separated feature names a peer
// advertised so feature convergence survives a restart.
func (persistence *Persistence) SavePeerFeatures(endpoint string, features string) error {
    batch := NewBatch()
    batch.Put(peerFeaturesKey(endpoint), []byte(features))

    return persistence.storageDriver.Batch(batch)
}

func (persistence *Persistence) DeletePeerFeatures(endpoint string) error {
    batch := NewBatch()
    batch.Delete(peerFeaturesKey(endpoint))

    return persistence.storageDriver.Batch(batch)
}

// LoadPeerFeatures returns the persisted endpoint to feature string map.
func (persistence *Persistence) LoadPeerFeatures() (map[string]string, error) {
    iter, err := persistence.storageDriver.GetMatches([][]byte{ peerFeaturesPrefix })

    if err != nil {
        return nil, err
    }

    defer iter.Release()

    peerFeatures := make(map[string]string)

    for iter.Next() {
        endpoint := string(iter.Key()[len(peerFeaturesPrefix):])
        peerFeatures[endpoint] = string(iter.Value())
    }

    if iter.Error() != nil {
        return nil, iter.Error()
    }

    return peerFeatures, nil
}

// SavedEndpoints lists the endpoints present in the persisted peer table.
func (persistence *Persistence) SavedEndpoints() ([]string, error) {
    peerFeatures, err := persistence.LoadPeerFeatures()

    if err != nil {
        return nil, err
    }

    endpoints := make([]string, 0, len(peerFeatures))

    for endpoint, _ := range peerFeatures {
        endpoints = append(endpoints, endpoint)
    }

    return endpoints, nil
}

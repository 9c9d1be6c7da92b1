package gossip

import (
    "sort"
    "strings"
    "sync"

    . "github.com/PelionIoT/memberdb/logging"
)

// FeatureService tracks the set of cluster features this node may use. A
// feature is enabled once every known peer advertises it.
type FeatureService struct {
    mu sync.Mutex
    enabled map[string]bool
    listeners []func(feature string)
}

func NewFeatureService() *FeatureService {
    return &FeatureService{
        enabled: make(map[string]bool),
    }
}

func (features *FeatureService) Enable(feature string) {
    features.mu.Lock()

    if features.enabled[feature] {
        features.mu.Unlock()

        return
    }

    features.enabled[feature] = true
    listeners := make([]func(string), len(features.listeners))
    copy(listeners, features.listeners)
    features.mu.Unlock()

    Log.Infof("Feature %s is enabled", feature)

    for _, listener := range listeners {
        listener(feature)
    }
}

func (features *FeatureService) IsEnabled(feature string) bool {
    features.mu.Lock()
    defer features.mu.Unlock()

    return features.enabled[feature]
}

func (features *FeatureService) EnabledFeatures() []string {
    features.mu.Lock()
    defer features.mu.Unlock()

    enabled := make([]string, 0, len(features.enabled))

    for feature, _ := range features.enabled {
        enabled = append(enabled, feature)
    }

    sort.Strings(enabled)

    return enabled
}

func (features *FeatureService) OnEnable(listener func(feature string)) {
    features.mu.Lock()
    defer features.mu.Unlock()

    features.listeners = append(features.listeners, listener)
}

// FeatureSet parses the comma separated SUPPORTED_FEATURES value.
func FeatureSet(value string) map[string]bool {
    features := make(map[string]bool)

    for _, feature := range strings.Split(value, ",") {
        if feature != "" {
            features[feature] = true
        }
    }

    return features
}

// SupportedFeatures returns the feature set a peer advertised through
// gossip.
func (gossiper *Gossiper) SupportedFeatures(endpoint string) map[string]bool {
    return FeatureSet(gossiper.GetApplicationStateValue(endpoint, AppStateSupportedFeatures))
}

// CommonSupportedFeatures intersects the feature sets of every known peer,
// seeded with the persisted peer feature table for peers that have not
// gossiped yet this incarnation.
func (gossiper *Gossiper) CommonSupportedFeatures(loadedPeerFeatures map[string]string, ignoreLocalNode bool) map[string]bool {
    featuresMap := make(map[string]map[string]bool)

    for endpoint, value := range loadedPeerFeatures {
        features := FeatureSet(value)

        if len(features) == 0 {
            Log.Warningf("Loaded empty features for peer node %s", endpoint)

            continue
        }

        featuresMap[endpoint] = features
    }

    for _, endpoint := range gossiper.store.Coordinator().Endpoints() {
        features := gossiper.SupportedFeatures(endpoint)

        if ignoreLocalNode && endpoint == gossiper.config.LocalAddress {
            continue
        }

        if len(features) > 0 {
            featuresMap[endpoint] = features
        }
    }

    if ignoreLocalNode {
        delete(featuresMap, gossiper.config.LocalAddress)
    }

    var commonFeatures map[string]bool

    for _, features := range featuresMap {
        if commonFeatures == nil {
            commonFeatures = features

            continue
        }

        intersection := make(map[string]bool)

        for feature, _ := range features {
            if commonFeatures[feature] {
                intersection[feature] = true
            }
        }

        commonFeatures = intersection
    }

    if commonFeatures == nil {
        commonFeatures = make(map[string]bool)
    }

    return commonFeatures
}

// maybeEnableFeatures recomputes the cluster-common feature set and enables
// every feature in it. Runs only after gossip settled at least once.
func (gossiper *Gossiper) maybeEnableFeatures() {
    gossiper.mu.Lock()
    settled := gossiper.gossipSettled
    gossiper.mu.Unlock()

    if !settled {
        return
    }

    loadedPeerFeatures := make(map[string]string)

    if gossiper.persistence != nil {
        loaded, err := gossiper.persistence.LoadPeerFeatures()

        if err != nil {
            Log.Errorf("Unable to load persisted peer features: %v", err)
        } else {
            loadedPeerFeatures = loaded
        }
    }

    for feature, _ := range gossiper.CommonSupportedFeatures(loadedPeerFeatures, false) {
        gossiper.features.Enable(feature)
    }
}

// featureEnabler is the built-in subscriber that drives feature convergence
// and keeps the persisted peer feature table current.
type featureEnabler struct {
    gossiper *Gossiper
}

func (enabler *featureEnabler) OnJoin(endpoint string, endpointState *EndpointState) error {
    enabler.gossiper.maybeEnableFeatures()

    return nil
}

func (enabler *featureEnabler) OnChange(endpoint string, key ApplicationStateKey, value VersionedValue) error {
    if key != AppStateSupportedFeatures {
        return nil
    }

    if enabler.gossiper.persistence != nil && endpoint != enabler.gossiper.config.LocalAddress {
        if err := enabler.gossiper.persistence.SavePeerFeatures(endpoint, value.Value); err != nil {
            Log.Errorf("Unable to persist features of peer %s: %v", endpoint, err)
        }
    }

    enabler.gossiper.maybeEnableFeatures()

    return nil
}

func (enabler *featureEnabler) BeforeChange(endpoint string, endpointState *EndpointState, key ApplicationStateKey, newValue VersionedValue) error {
    return nil
}

func (enabler *featureEnabler) OnAlive(endpoint string, endpointState *EndpointState) error {
    return nil
}

func (enabler *featureEnabler) OnDead(endpoint string, endpointState *EndpointState) error {
    return nil
}

func (enabler *featureEnabler) OnRestart(endpoint string, oldEndpointState *EndpointState) error {
    return nil
}

func (enabler *featureEnabler) OnRemove(endpoint string) error {
    if enabler.gossiper.persistence != nil {
        if err := enabler.gossiper.persistence.DeletePeerFeatures(endpoint); err != nil {
            Log.Errorf("Unable to remove persisted features of peer %s: %v", endpoint, err)
        }
    }

    return nil
}

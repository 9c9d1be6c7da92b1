package gossip

import (
    "sync"

    . "github.com/PelionIoT/memberdb/logging"
)

// EndpointStateChangeSubscriber receives membership and state change events
// for every endpoint the gossiper tracks. Notifications for one event are
// delivered sequentially in registration order. A subscriber error is logged
// and swallowed: by the time any subscriber runs the state change has already
// been replicated to every local replica.
type EndpointStateChangeSubscriber interface {
    // OnJoin is invoked when an endpoint is seen for the first time or
    // returns with a new generation.
    OnJoin(endpoint string, endpointState *EndpointState) error
    // BeforeChange is invoked before an application state value is
    // overwritten. The state handed over is the pre-change state.
    BeforeChange(endpoint string, endpointState *EndpointState, key ApplicationStateKey, newValue VersionedValue) error
    // OnChange is invoked after an application state value was overwritten.
    OnChange(endpoint string, key ApplicationStateKey, value VersionedValue) error
    // OnAlive is invoked when the endpoint completes the mark-alive handshake.
    OnAlive(endpoint string, endpointState *EndpointState) error
    // OnDead is invoked when the endpoint is convicted or announces shutdown.
    OnDead(endpoint string, endpointState *EndpointState) error
    // OnRestart is invoked when a generation bump is observed. It is handed
    // the state the endpoint had before the restart.
    OnRestart(endpoint string, oldEndpointState *EndpointState) error
    // OnRemove is invoked when the endpoint is evicted from membership.
    OnRemove(endpoint string) error
}

type subscriberNotifier struct {
    mu sync.RWMutex
    subscribers []EndpointStateChangeSubscriber
}

func (notifier *subscriberNotifier) register(subscriber EndpointStateChangeSubscriber) {
    notifier.mu.Lock()
    defer notifier.mu.Unlock()

    notifier.subscribers = append(notifier.subscribers, subscriber)
}

func (notifier *subscriberNotifier) unregister(subscriber EndpointStateChangeSubscriber) {
    notifier.mu.Lock()
    defer notifier.mu.Unlock()

    subscribers := make([]EndpointStateChangeSubscriber, 0, len(notifier.subscribers))

    for _, s := range notifier.subscribers {
        if s != subscriber {
            subscribers = append(subscribers, s)
        }
    }

    notifier.subscribers = subscribers
}

func (notifier *subscriberNotifier) snapshot() []EndpointStateChangeSubscriber {
    notifier.mu.RLock()
    defer notifier.mu.RUnlock()

    subscribers := make([]EndpointStateChangeSubscriber, len(notifier.subscribers))
    copy(subscribers, notifier.subscribers)

    return subscribers
}

func (notifier *subscriberNotifier) notifyJoin(endpoint string, endpointState *EndpointState) {
    for _, subscriber := range notifier.snapshot() {
        if err := subscriber.OnJoin(endpoint, endpointState); err != nil {
            Log.Errorf("Subscriber failed to handle join of %s: %v", endpoint, err)
        }
    }
}

func (notifier *subscriberNotifier) notifyBeforeChange(endpoint string, endpointState *EndpointState, key ApplicationStateKey, newValue VersionedValue) {
    for _, subscriber := range notifier.snapshot() {
        if err := subscriber.BeforeChange(endpoint, endpointState, key, newValue); err != nil {
            Log.Errorf("Subscriber failed to handle before-change of %s %s: %v", endpoint, key, err)
        }
    }
}

func (notifier *subscriberNotifier) notifyChange(endpoint string, key ApplicationStateKey, value VersionedValue) {
    for _, subscriber := range notifier.snapshot() {
        if err := subscriber.OnChange(endpoint, key, value); err != nil {
            Log.Errorf("Subscriber failed to handle change of %s %s: %v", endpoint, key, err)
        }
    }
}

func (notifier *subscriberNotifier) notifyAlive(endpoint string, endpointState *EndpointState) {
    for _, subscriber := range notifier.snapshot() {
        if err := subscriber.OnAlive(endpoint, endpointState); err != nil {
            Log.Errorf("Subscriber failed to handle %s becoming alive: %v", endpoint, err)
        }
    }
}

func (notifier *subscriberNotifier) notifyDead(endpoint string, endpointState *EndpointState) {
    for _, subscriber := range notifier.snapshot() {
        if err := subscriber.OnDead(endpoint, endpointState); err != nil {
            Log.Errorf("Subscriber failed to handle %s becoming dead: %v", endpoint, err)
        }
    }
}

func (notifier *subscriberNotifier) notifyRestart(endpoint string, oldEndpointState *EndpointState) {
    for _, subscriber := range notifier.snapshot() {
        if err := subscriber.OnRestart(endpoint, oldEndpointState); err != nil {
            Log.Errorf("Subscriber failed to handle restart of %s: %v", endpoint, err)
        }
    }
}

func (notifier *subscriberNotifier) notifyRemove(endpoint string) {
    for _, subscriber := range notifier.snapshot() {
        if err := subscriber.OnRemove(endpoint); err != nil {
            Log.Errorf("Subscriber failed to handle removal of %s: %v", endpoint, err)
        }
    }
}

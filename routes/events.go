package routes

import (
    "net/http"
    "sync"

    "github.com/gorilla/mux"
    "github.com/gorilla/websocket"

    . "github.com/PelionIoT/memberdb/gossip"
    . "github.com/PelionIoT/memberdb/logging"
)

type MembershipEvent struct {
    Type string `json:"type"`
    Endpoint string `json:"endpoint"`
    Key string `json:"key,omitempty"`
    Value string `json:"value,omitempty"`
}

// EventsEndpoint streams membership events to local tooling over a
// websocket. A slow consumer gets disconnected rather than backing up the
// notifier.
type EventsEndpoint struct {
    upgrader websocket.Upgrader
    mu sync.Mutex
    nextWatcherID uint64
    watchers map[uint64]chan MembershipEvent
}

func NewEventsEndpoint() *EventsEndpoint {
    return &EventsEndpoint{
        watchers: make(map[uint64]chan MembershipEvent),
    }
}

func (eventsEndpoint *EventsEndpoint) Attach(router *mux.Router) {
    router.HandleFunc("/gossip/events", func(w http.ResponseWriter, r *http.Request) {
        connection, err := eventsEndpoint.upgrader.Upgrade(w, r, nil)

        if err != nil {
            Log.Warningf("Unable to upgrade events connection: %v", err)

            return
        }

        events := make(chan MembershipEvent, 64)

        eventsEndpoint.mu.Lock()
        eventsEndpoint.nextWatcherID += 1
        watcherID := eventsEndpoint.nextWatcherID
        eventsEndpoint.watchers[watcherID] = events
        eventsEndpoint.mu.Unlock()

        go func() {
            defer func() {
                eventsEndpoint.mu.Lock()
                delete(eventsEndpoint.watchers, watcherID)
                eventsEndpoint.mu.Unlock()

                connection.Close()
            }()

            for event := range events {
                if err := connection.WriteJSON(event); err != nil {
                    Log.Debugf("Closing events connection %d: %v", watcherID, err)

                    return
                }
            }
        }()
    }).Methods("GET")
}

func (eventsEndpoint *EventsEndpoint) broadcast(event MembershipEvent) {
    eventsEndpoint.mu.Lock()
    defer eventsEndpoint.mu.Unlock()

    for watcherID, events := range eventsEndpoint.watchers {
        select {
        case events <- event:
        default:
            // the watcher is not keeping up
            close(events)
            delete(eventsEndpoint.watchers, watcherID)
        }
    }
}

// The endpoint doubles as a gossip subscriber so every membership transition
// reaches the stream.
func (eventsEndpoint *EventsEndpoint) OnJoin(endpoint string, endpointState *EndpointState) error {
    eventsEndpoint.broadcast(MembershipEvent{ Type: "join", Endpoint: endpoint })

    return nil
}

func (eventsEndpoint *EventsEndpoint) BeforeChange(endpoint string, endpointState *EndpointState, key ApplicationStateKey, newValue VersionedValue) error {
    return nil
}

func (eventsEndpoint *EventsEndpoint) OnChange(endpoint string, key ApplicationStateKey, value VersionedValue) error {
    eventsEndpoint.broadcast(MembershipEvent{ Type: "change", Endpoint: endpoint, Key: string(key), Value: value.Value })

    return nil
}

func (eventsEndpoint *EventsEndpoint) OnAlive(endpoint string, endpointState *EndpointState) error {
    eventsEndpoint.broadcast(MembershipEvent{ Type: "alive", Endpoint: endpoint })

    return nil
}

func (eventsEndpoint *EventsEndpoint) OnDead(endpoint string, endpointState *EndpointState) error {
    eventsEndpoint.broadcast(MembershipEvent{ Type: "dead", Endpoint: endpoint })

    return nil
}

func (eventsEndpoint *EventsEndpoint) OnRestart(endpoint string, oldEndpointState *EndpointState) error {
    eventsEndpoint.broadcast(MembershipEvent{ Type: "restart", Endpoint: endpoint })

    return nil
}

func (eventsEndpoint *EventsEndpoint) OnRemove(endpoint string) error {
    eventsEndpoint.broadcast(MembershipEvent{ Type: "remove", Endpoint: endpoint })

    return nil
}

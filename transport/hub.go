package transport

//
// Copyright (c) 2019 ARM Limited.
//
// SPDX-License-Identifier: MIT
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to
// deal in the Software without restriction, including without limitation the
// rights to use, copy, modify, merge, publish, distribute, sublicense, and/or
// sell copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in all
// copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
// SOFTWARE.
//

import (
    "bytes"
    "context"
    "encoding/json"
    "errors"
    "fmt"
    "io"
    "io/ioutil"
    "net/http"
    "strings"

    "github.com/gorilla/mux"

    . "github.com/PelionIoT/memberdb/gossip"
    . "github.com/PelionIoT/memberdb/logging"
)

var ENoHandler = errors.New("No incoming handler has been attached to this hub")

const FromHeaderName = "X-MemberDB-From"

// IncomingHandler is implemented by the gossip engine. SYN, ACK, ACK2 and
// shutdown handlers return before processing completes; echo and
// get-endpoint-states are answered in place.
type IncomingHandler interface {
    HandleSyn(from string, syn GossipDigestSyn)
    HandleAck(from string, ack GossipDigestAck)
    HandleAck2(from string, ack2 GossipDigestAck2)
    HandleEcho(from string, generationNumber *int32) error
    HandleShutdown(from string, generationNumber *int32)
    HandleGetEndpointStates(request GetEndpointStatesRequest) *GetEndpointStatesResponse
}

// TransportHub registers the six gossip verbs on an HTTP router and invokes
// them on peers. Peers are addressed directly by their host:port gossip
// address; there is no per-peer registry to keep in sync.
type TransportHub struct {
    localAddress string
    httpClient *http.Client
    handler IncomingHandler
}

func NewTransportHub(localAddress string) *TransportHub {
    return &TransportHub{
        localAddress: localAddress,
        httpClient: &http.Client{ },
    }
}

func (hub *TransportHub) LocalAddress() string {
    return hub.localAddress
}

func (hub *TransportHub) OnReceive(handler IncomingHandler) {
    hub.handler = handler
}

func (hub *TransportHub) peerURL(peer string, endpoint string) string {
    return fmt.Sprintf("http://%s%s", peer, endpoint)
}

func (hub *TransportHub) post(ctx context.Context, peer string, endpoint string, body interface{ }) ([]byte, error) {
    encodedBody, err := json.Marshal(body)

    if err != nil {
        return nil, err
    }

    request, err := http.NewRequest("POST", hub.peerURL(peer, endpoint), bytes.NewReader(encodedBody))

    if err != nil {
        return nil, err
    }

    request.Header.Set("Content-Type", "application/json")
    request.Header.Set(FromHeaderName, hub.localAddress)
    request = request.WithContext(ctx)

    resp, err := hub.httpClient.Do(request)

    if err != nil {
        if ctx.Err() != nil {
            return nil, ETimeout
        }

        if isConnectionClosed(err) {
            return nil, EConnectionClosed
        }

        return nil, err
    }

    defer resp.Body.Close()

    responseBody, err := ioutil.ReadAll(resp.Body)

    if err != nil {
        return nil, err
    }

    if resp.StatusCode == http.StatusForbidden {
        return nil, EEchoRejected
    }

    if resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusMethodNotAllowed {
        return nil, EUnknownVerb
    }

    if resp.StatusCode != http.StatusOK {
        return nil, errors.New(string(responseBody))
    }

    return responseBody, nil
}

func isConnectionClosed(err error) bool {
    if err == io.EOF {
        return true
    }

    message := err.Error()

    return strings.Contains(message, "connection refused") ||
        strings.Contains(message, "connection reset") ||
        strings.Contains(message, "EOF")
}

func (hub *TransportHub) SendSyn(ctx context.Context, to string, syn GossipDigestSyn) error {
    _, err := hub.post(ctx, to, "/gossip/syn", syn)

    return err
}

func (hub *TransportHub) SendAck(ctx context.Context, to string, ack GossipDigestAck) error {
    _, err := hub.post(ctx, to, "/gossip/ack", ack)

    return err
}

func (hub *TransportHub) SendAck2(ctx context.Context, to string, ack2 GossipDigestAck2) error {
    _, err := hub.post(ctx, to, "/gossip/ack2", ack2)

    return err
}

func (hub *TransportHub) SendEcho(ctx context.Context, to string, generationNumber int32) error {
    _, err := hub.post(ctx, to, "/gossip/echo", map[string]int32{ "generationNumber": generationNumber })

    return err
}

func (hub *TransportHub) SendShutdown(ctx context.Context, to string, shutdown GossipShutdownMessage) error {
    _, err := hub.post(ctx, to, "/gossip/shutdown", shutdown)

    return err
}

func (hub *TransportHub) GetEndpointStates(ctx context.Context, to string, request GetEndpointStatesRequest) (*GetEndpointStatesResponse, error) {
    responseBody, err := hub.post(ctx, to, "/gossip/endpoint-states", request)

    if err != nil {
        return nil, err
    }

    var response GetEndpointStatesResponse

    if err := json.Unmarshal(responseBody, &response); err != nil {
        return nil, err
    }

    return &response, nil
}

// Attach registers the verb routes with the router.
func (hub *TransportHub) Attach(router *mux.Router) {
    router.HandleFunc("/gossip/syn", func(w http.ResponseWriter, r *http.Request) {
        var syn GossipDigestSyn

        from, err := hub.decode(r, &syn)

        if err != nil {
            Log.Warningf("Unable to decode %s message: %v", VerbGossipDigestSyn, err)

            w.WriteHeader(http.StatusBadRequest)

            return
        }

        hub.handler.HandleSyn(from, syn)
        w.WriteHeader(http.StatusOK)
    }).Methods("POST")

    router.HandleFunc("/gossip/ack", func(w http.ResponseWriter, r *http.Request) {
        var ack GossipDigestAck

        from, err := hub.decode(r, &ack)

        if err != nil {
            Log.Warningf("Unable to decode %s message: %v", VerbGossipDigestAck, err)

            w.WriteHeader(http.StatusBadRequest)

            return
        }

        hub.handler.HandleAck(from, ack)
        w.WriteHeader(http.StatusOK)
    }).Methods("POST")

    router.HandleFunc("/gossip/ack2", func(w http.ResponseWriter, r *http.Request) {
        var ack2 GossipDigestAck2

        from, err := hub.decode(r, &ack2)

        if err != nil {
            Log.Warningf("Unable to decode %s message: %v", VerbGossipDigestAck2, err)

            w.WriteHeader(http.StatusBadRequest)

            return
        }

        hub.handler.HandleAck2(from, ack2)
        w.WriteHeader(http.StatusOK)
    }).Methods("POST")

    router.HandleFunc("/gossip/echo", func(w http.ResponseWriter, r *http.Request) {
        var echo struct {
            GenerationNumber *int32 `json:"generationNumber"`
        }

        from, err := hub.decode(r, &echo)

        if err != nil {
            Log.Warningf("Unable to decode %s message: %v", VerbGossipEcho, err)

            w.WriteHeader(http.StatusBadRequest)

            return
        }

        if err := hub.handler.HandleEcho(from, echo.GenerationNumber); err != nil {
            w.WriteHeader(http.StatusForbidden)
            io.WriteString(w, err.Error())

            return
        }

        w.WriteHeader(http.StatusOK)
    }).Methods("POST")

    router.HandleFunc("/gossip/shutdown", func(w http.ResponseWriter, r *http.Request) {
        var shutdown GossipShutdownMessage

        _, err := hub.decode(r, &shutdown)

        if err != nil {
            Log.Warningf("Unable to decode %s message: %v", VerbGossipShutdown, err)

            w.WriteHeader(http.StatusBadRequest)

            return
        }

        // no-wait semantics: respond before the state transition runs
        w.WriteHeader(http.StatusOK)
        hub.handler.HandleShutdown(shutdown.From, shutdown.GenerationNumber)
    }).Methods("POST")

    router.HandleFunc("/gossip/endpoint-states", func(w http.ResponseWriter, r *http.Request) {
        var request GetEndpointStatesRequest

        _, err := hub.decode(r, &request)

        if err != nil {
            Log.Warningf("Unable to decode %s message: %v", VerbGossipGetEndpointStates, err)

            w.WriteHeader(http.StatusBadRequest)

            return
        }

        response := hub.handler.HandleGetEndpointStates(request)
        encodedResponse, err := json.Marshal(response)

        if err != nil {
            w.WriteHeader(http.StatusInternalServerError)

            return
        }

        w.Header().Set("Content-Type", "application/json")
        w.WriteHeader(http.StatusOK)
        w.Write(encodedResponse)
    }).Methods("POST")
}

func (hub *TransportHub) decode(r *http.Request, message interface{ }) (string, error) {
    if hub.handler == nil {
        return "", ENoHandler
    }

    body, err := ioutil.ReadAll(r.Body)

    if err != nil {
        return "", err
    }

    if err := json.Unmarshal(body, message); err != nil {
        return "", err
    }

    return r.Header.Get(FromHeaderName), nil
}

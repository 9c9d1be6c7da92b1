package gossip

import (
    "context"
    "errors"
)

// Transport level errors every MessageSender implementation maps onto.
var ETimeout = errors.New("The request to the peer timed out")
var EConnectionClosed = errors.New("The connection to the peer was closed or refused")
var EEchoRejected = errors.New("The peer rejected the echo probe")
var EUnknownVerb = errors.New("The peer does not support this verb")

// The six wire verbs.
const (
    VerbGossipDigestSyn string = "GOSSIP_DIGEST_SYN"
    VerbGossipDigestAck string = "GOSSIP_DIGEST_ACK"
    VerbGossipDigestAck2 string = "GOSSIP_DIGEST_ACK2"
    VerbGossipEcho string = "GOSSIP_ECHO"
    VerbGossipShutdown string = "GOSSIP_SHUTDOWN"
    VerbGossipGetEndpointStates string = "GOSSIP_GET_ENDPOINT_STATES"
)

type GossipDigestSyn struct {
    ClusterName string `json:"clusterName"`
    PartitionerName string `json:"partitionerName"`
    Digests []GossipDigest `json:"digests"`
}

type GossipDigestAck struct {
    Digests []GossipDigest `json:"digests"`
    EndpointStates map[string]*EndpointState `json:"endpointStates"`
}

type GossipDigestAck2 struct {
    EndpointStates map[string]*EndpointState `json:"endpointStates"`
}

type GossipShutdownMessage struct {
    From string `json:"from"`
    GenerationNumber *int32 `json:"generationNumber,omitempty"`
}

type GetEndpointStatesRequest struct {
    WantedKeys []ApplicationStateKey `json:"wantedKeys"`
}

type GetEndpointStatesResponse struct {
    EndpointStates map[string]*EndpointState `json:"endpointStates"`
}

// MessageSender is the outbound half of the RPC surface. SYN, ACK, ACK2 and
// shutdown are one way; echo and get-endpoint-states wait for the peer.
type MessageSender interface {
    SendSyn(ctx context.Context, to string, syn GossipDigestSyn) error
    SendAck(ctx context.Context, to string, ack GossipDigestAck) error
    SendAck2(ctx context.Context, to string, ack2 GossipDigestAck2) error
    SendEcho(ctx context.Context, to string, generationNumber int32) error
    SendShutdown(ctx context.Context, to string, shutdown GossipShutdownMessage) error
    GetEndpointStates(ctx context.Context, to string, request GetEndpointStatesRequest) (*GetEndpointStatesResponse, error)
}

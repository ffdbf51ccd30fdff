package model

import "time"

// PrimarySource selects where live touchline/depth flows from. The
// upstream WebSocket stays connected for candle data regardless of the
// value.
type PrimarySource int32

const (
	UDPPrimary PrimarySource = iota
	WSPrimary
)

func (s PrimarySource) String() string {
	if s == WSPrimary {
		return "WS_PRIMARY"
	}
	return "UDP_PRIMARY"
}

// EndpointID names one of the six tracked connections.
type EndpointID int

const (
	EndpointMarketDataWS EndpointID = iota
	EndpointInteractiveWS
	EndpointUDPNSECM
	EndpointUDPNSEFO
	EndpointUDPBSECM
	EndpointUDPBSEFO
	endpointCount
)

// EndpointCount is the number of tracked endpoints.
const EndpointCount = int(endpointCount)

var endpointNames = [...]string{
	"MARKETDATA_WS", "INTERACTIVE_WS",
	"UDP_NSECM", "UDP_NSEFO", "UDP_BSECM", "UDP_BSEFO",
}

func (e EndpointID) String() string {
	if int(e) < len(endpointNames) {
		return endpointNames[e]
	}
	return "UNKNOWN"
}

// UDPEndpointFor maps a segment to its receiver endpoint. Returns false
// for segments without a local multicast receiver.
func UDPEndpointFor(seg Segment) (EndpointID, bool) {
	switch seg {
	case NSECM:
		return EndpointUDPNSECM, true
	case NSEFO:
		return EndpointUDPNSEFO, true
	case BSECM:
		return EndpointUDPBSECM, true
	case BSEFO:
		return EndpointUDPBSEFO, true
	}
	return 0, false
}

// ConnState is an endpoint's lifecycle state.
type ConnState int32

const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateError
)

var connStateNames = [...]string{"DISCONNECTED", "CONNECTING", "CONNECTED", "RECONNECTING", "ERROR"}

func (s ConnState) String() string {
	if int(s) < len(connStateNames) {
		return connStateNames[s]
	}
	return "DISCONNECTED"
}

// EndpointStatus is the mutable status block tracked per endpoint.
// Endpoints are created at process start and only their state fields
// change afterwards.
type EndpointStatus struct {
	ID             EndpointID `json:"id"`
	Name           string     `json:"name"`
	State          ConnState  `json:"state"`
	Address        string     `json:"address"`
	ConnectedSince time.Time  `json:"connected_since,omitempty"`
	LastActivity   time.Time  `json:"last_activity,omitempty"`
	TotalPackets   uint64     `json:"total_packets"`
	PacketsPerSec  float64    `json:"packets_per_sec"`
	ErrorMessage   string     `json:"error_message,omitempty"`
}

// SubscriptionStats is the bridge's live (subscribed, pending, capacity)
// signal.
type SubscriptionStats struct {
	Subscribed int `json:"subscribed"`
	Pending    int `json:"pending"`
	Capacity   int `json:"capacity"`
}

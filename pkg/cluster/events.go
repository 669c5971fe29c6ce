package cluster

import "github.com/ajitek/oxen/internal/sid"

// StreamKind classifies how a message_arrived event's payload traveled.
type StreamKind uint8

const (
	StreamUnreliable StreamKind = iota
	StreamOneToOne
	StreamBroadcastKind
)

func (k StreamKind) String() string {
	switch k {
	case StreamUnreliable:
		return "unreliable"
	case StreamOneToOne:
		return "one-to-one"
	case StreamBroadcastKind:
		return "broadcast"
	default:
		return "invalid"
	}
}

// EventKind discriminates the three user-facing event shapes.
type EventKind uint8

const (
	EventMessageArrived EventKind = iota
	EventPeerUp
	EventPeerDown
)

// Event is a single user-facing notification emitted on the Manager's
// event channel.
type Event struct {
	Kind EventKind

	// EventMessageArrived
	Origin sid.Sid
	Data   []byte
	Stream StreamKind

	// EventPeerUp / EventPeerDown
	Peer     sid.Sid
	Expected bool
}

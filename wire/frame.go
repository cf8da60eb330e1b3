// Package wire implements the length-framed JSON message protocol spoken on
// every non-loopback troupe transport. A frame is a small JSON envelope
// carrying a kind tag, an optional correlation id, an optional target actor
// id, and a body. The stream encoding prefixes each serialized frame with a
// one byte format tag and a big-endian uint32 body length, which lets a
// single byte stream carry an arbitrary interleaving of frames.
package wire

import (
	"fmt"

	jsoniter "github.com/json-iterator/go"
)

// json is the codec used for all frame bodies. The hot path for an actor
// runtime is message serialization, so we use json-iterator in its
// stdlib-compatible configuration.
var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Kind identifies the protocol meaning of a frame.
type Kind string

// The full set of frame kinds understood by the runtime. Every transport
// carries the same kinds; endpoints never branch on which transport is in
// use.
const (
	// KindCreateActor bootstraps a new actor inside a worker process,
	// worker goroutine, or remote host.
	KindCreateActor Kind = "create-actor"

	// KindActorCreated is the worker's reply to create-actor.
	KindActorCreated Kind = "actor-created"

	// KindActorMessage is a user-level send or ask.
	KindActorMessage Kind = "actor-message"

	// KindActorResponse is the correlated reply to an actor-message with
	// Receive set.
	KindActorResponse Kind = "actor-response"

	// KindDestroyActor asks the worker to destroy its hosted actor.
	KindDestroyActor Kind = "destroy-actor"

	// KindActorDestroyed acknowledges destroy-actor.
	KindActorDestroyed Kind = "actor-destroyed"

	// KindActorTree requests the subtree metadata rollup.
	KindActorTree Kind = "actor-tree"

	// KindActorMetrics requests the subtree metrics rollup.
	KindActorMetrics Kind = "actor-metrics"

	// KindParentPing is the liveness probe a child sends to its parent.
	KindParentPing Kind = "parent-ping"

	// KindChildConfigChange propagates a new configuration to a child.
	KindChildConfigChange Kind = "child-config-change"

	// KindBusEvent relays a system bus event to a peer endpoint. The body
	// carries the event name, the loop-prevention sender chain, and the
	// event arguments.
	KindBusEvent Kind = "bus-event"
)

// Frame is the unit of exchange on a transport bus. Frames that travel over
// a byte stream have their Body round-tripped through JSON; frames delivered
// in process keep their Body values as-is.
type Frame struct {
	// Type is the protocol kind of this frame.
	Type Kind `json:"type"`

	// ID correlates a request frame with its response. Ids are allocated
	// per bus and are monotonically increasing.
	ID uint32 `json:"id,omitempty"`

	// ActorID addresses the frame to a specific actor on the peer.
	ActorID string `json:"actorId,omitempty"`

	// Body is the kind-specific payload.
	Body any `json:"body,omitempty"`

	// Error carries a peer-side failure message verbatim.
	Error string `json:"error,omitempty"`
}

// ActorMessage is the body of an actor-message frame.
type ActorMessage struct {
	// Topic names the handler to invoke on the target actor.
	Topic string `json:"topic"`

	// Message holds the handler arguments.
	Message []any `json:"message"`

	// Receive is true for ask-style sends that expect a correlated
	// actor-response frame.
	Receive bool `json:"receive"`

	// MarshalledType names the registered marshaller used to encode the
	// first message argument, when one applied.
	MarshalledType string `json:"marshalledType,omitempty"`
}

// ActorCreated is the body of an actor-created frame.
type ActorCreated struct {
	// ID is the id of the freshly created actor.
	ID string `json:"id"`

	// Port is the TCP port the worker listens on, for remote creation
	// flows that require a second connection.
	Port int `json:"port,omitempty"`
}

// ActorResponse is the body of an actor-response frame carrying a successful
// handler result.
type ActorResponse struct {
	// Response is the handler return value.
	Response any `json:"response"`
}

// BusEvent is the body of a bus-event frame.
type BusEvent struct {
	// EventID uniquely identifies the event across buses so duplicate
	// delivery can be spotted in logs.
	EventID string `json:"eventId"`

	// Name is the event topic on the system bus.
	Name string `json:"name"`

	// SenderChain lists the ids of every bus hop the event has already
	// traversed. A recipient whose id appears in the chain is skipped.
	SenderChain []string `json:"senderChain"`

	// Args are the event arguments.
	Args []any `json:"args"`
}

// ConfigChange is the body of a child-config-change frame.
type ConfigChange struct {
	// Config is the per-name configuration overlay to apply to the
	// child's subtree.
	Config map[string]any `json:"config"`
}

// DecodeBody decodes a frame body into dst. Bodies that crossed a byte
// stream arrive as generic JSON values (maps and slices), while bodies
// delivered in process may already be concrete structs; both cases are
// handled by round-tripping through the codec when a direct assignment is
// not possible.
func DecodeBody(body, dst any) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode frame body: %w", err)
	}

	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("decode frame body: %w", err)
	}

	return nil
}

package actor

import (
	"context"
	"fmt"
	"reflect"
)

// Marshaller converts values of one named type to and from their JSON-safe
// on-wire form. When a message payload's type has a registered marshaller,
// the marshaller name travels alongside the frame and the receiving side
// re-materializes the original type before invoking the handler.
type Marshaller interface {
	// TypeName is the name of the Go type this marshaller handles, as
	// reported by reflect. It doubles as the registry key and the
	// on-wire marshalledType tag.
	TypeName() string

	// Marshal converts a value into a JSON-serializable form.
	Marshal(v any) (any, error)

	// Unmarshal rebuilds the typed value from its on-wire form.
	Unmarshal(v any) (any, error)
}

// refMarkerKey tags a marshalled actor reference inside a message body so
// the receiving side can distinguish it from ordinary maps.
const refMarkerKey = "__troupeRef"

// RefDescriptor is the portable form of an actor handle. Exactly one of
// Path (inter-process, unix domain socket) or Host/Port (inter-host, TCP)
// is set.
type RefDescriptor struct {
	ActorID string `json:"actorId"`
	Host    string `json:"host,omitempty"`
	Port    int    `json:"port,omitempty"`
	Path    string `json:"path,omitempty"`
}

// typeNameOf resolves the marshaller lookup key for a payload value.
func typeNameOf(v any) string {
	t := reflect.TypeOf(v)
	if t == nil {
		return ""
	}
	if t.Kind() == reflect.Ptr {
		t = t.Elem()
	}

	return t.Name()
}

// encodeArgs prepares handler arguments for a boundary crossing. Actor
// references are replaced with descriptors backed by a reference target; a
// value whose type has a registered marshaller is converted and its
// marshaller name returned (the tag applies to the first argument, which is
// the message content in the common single-argument case). Maps are scanned
// one level deep for embedded references.
func (s *System) encodeArgs(ctx context.Context, args []any,
	refs *refMarshaller) ([]any, string, error) {

	out := make([]any, len(args))
	marshalledType := ""

	for i, arg := range args {
		switch v := arg.(type) {
		case *Ref:
			desc, err := refs.marshal(ctx, v)
			if err != nil {
				return nil, "", err
			}
			out[i] = map[string]any{refMarkerKey: desc}
			continue

		case map[string]any:
			scanned := make(map[string]any, len(v))
			for k, item := range v {
				ref, ok := item.(*Ref)
				if !ok {
					scanned[k] = item
					continue
				}
				desc, err := refs.marshal(ctx, ref)
				if err != nil {
					return nil, "", err
				}
				scanned[k] = map[string]any{refMarkerKey: desc}
			}
			out[i] = scanned
			continue
		}

		name := typeNameOf(arg)
		if m, ok := s.marshallerByName(name); ok {
			converted, err := m.Marshal(arg)
			if err != nil {
				return nil, "", fmt.Errorf("%w: %s: %v",
					ErrSerialization, name, err)
			}
			out[i] = converted
			if i == 0 {
				marshalledType = name
			}
			continue
		}

		out[i] = arg
	}

	return out, marshalledType, nil
}

// decodeArgs is the receiving-side inverse of encodeArgs.
func (s *System) decodeArgs(ctx context.Context, args []any,
	marshalledType string, refs *refMarshaller) ([]any, error) {

	out := make([]any, len(args))
	for i, arg := range args {
		m, ok := arg.(map[string]any)
		if !ok {
			out[i] = arg
			continue
		}

		if raw, isRef := m[refMarkerKey]; isRef {
			ref, err := s.decodeRef(ctx, raw, refs)
			if err != nil {
				return nil, err
			}
			out[i] = ref
			continue
		}

		scanned := make(map[string]any, len(m))
		for k, item := range m {
			inner, isMap := item.(map[string]any)
			if !isMap {
				scanned[k] = item
				continue
			}
			raw, isRef := inner[refMarkerKey]
			if !isRef {
				scanned[k] = item
				continue
			}
			ref, err := s.decodeRef(ctx, raw, refs)
			if err != nil {
				return nil, err
			}
			scanned[k] = ref
		}
		out[i] = scanned
	}

	if marshalledType != "" && len(out) > 0 {
		m, ok := s.marshallerByName(marshalledType)
		if !ok {
			return nil, fmt.Errorf("%w: no marshaller for type %q",
				ErrSerialization, marshalledType)
		}

		restored, err := m.Unmarshal(out[0])
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrSerialization,
				marshalledType, err)
		}
		out[0] = restored
	}

	return out, nil
}

// decodeRef rebuilds a Ref from a marshalled descriptor value.
func (s *System) decodeRef(ctx context.Context, raw any,
	refs *refMarshaller) (*Ref, error) {

	var desc RefDescriptor
	if err := decodeTo(raw, &desc); err != nil {
		return nil, fmt.Errorf("%w: bad reference descriptor: %v",
			ErrSerialization, err)
	}

	return refs.unmarshal(ctx, desc)
}

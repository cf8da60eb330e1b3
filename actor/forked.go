package actor

import (
	"context"
	"fmt"
	"os"

	"github.com/roasbeef/troupe/transport"
	"github.com/roasbeef/troupe/wire"
)

// WorkerEnvVar marks a process as a spawned worker. The worker binary (by
// default the current executable re-exec'd) checks it at startup and, when
// set, serves the frame protocol on stdio instead of running its normal
// main.
const WorkerEnvVar = "TROUPE_WORKER"

// fileHandle is satisfied by net.TCPListener and net.UnixListener. A
// listening socket found in CustomParameters is passed to a forked child by
// descriptor rather than by value.
type fileHandle interface {
	File() (*os.File, error)
}

// prepareCustomParameters readies a behavior's custom parameters for a
// process boundary: at most one listening socket is extracted for descriptor
// passing, and values with registered marshallers are converted with the
// marshaller name recorded per key.
func (s *System) prepareCustomParameters(
	params map[string]any) (map[string]any, map[string]string, string,
	*os.File, error) {

	if len(params) == 0 {
		return nil, nil, "", nil, nil
	}

	out := make(map[string]any, len(params))
	types := make(map[string]string)
	handleKey := ""
	var handleFile *os.File

	for k, v := range params {
		if h, ok := v.(fileHandle); ok {
			if handleFile != nil {
				return nil, nil, "", nil, fmt.Errorf(
					"%w: more than one socket handle in "+
						"custom parameters",
					ErrSerialization,
				)
			}

			f, err := h.File()
			if err != nil {
				return nil, nil, "", nil, fmt.Errorf(
					"dup socket handle %q: %w", k, err,
				)
			}
			handleKey = k
			handleFile = f
			continue
		}

		if m, ok := s.marshallerByName(typeNameOf(v)); ok {
			converted, err := m.Marshal(v)
			if err != nil {
				return nil, nil, "", nil, fmt.Errorf(
					"%w: custom parameter %q: %v",
					ErrSerialization, k, err,
				)
			}
			out[k] = converted
			types[k] = m.TypeName()
			continue
		}

		out[k] = v
	}

	if len(types) == 0 {
		types = nil
	}

	return out, types, handleKey, handleFile, nil
}

// restoreCustomParameters is the worker-side inverse of
// prepareCustomParameters, minus the handle (which arrives as a descriptor).
func (s *System) restoreCustomParameters(params map[string]any,
	types map[string]string) (map[string]any, error) {

	if len(params) == 0 || len(types) == 0 {
		return params, nil
	}

	out := make(map[string]any, len(params))
	for k, v := range params {
		name, ok := types[k]
		if !ok {
			out[k] = v
			continue
		}

		m, found := s.marshallerByName(name)
		if !found {
			return nil, fmt.Errorf("%w: no marshaller for type %q",
				ErrSerialization, name)
		}

		restored, err := m.Unmarshal(v)
		if err != nil {
			return nil, fmt.Errorf("%w: custom parameter %q: %v",
				ErrSerialization, k, err)
		}
		out[k] = restored
	}

	return out, nil
}

// awaitCreated sends the create-actor frame and blocks for the matching
// actor-created reply, a worker error, or a bus exit.
func awaitCreated(ctx context.Context, bus transport.Bus, id uint32,
	send func() error) (*wire.ActorCreated, error) {

	type result struct {
		created *wire.ActorCreated
		err     error
	}
	ch := make(chan result, 1)
	deliver := func(r result) {
		select {
		case ch <- r:
		default:
		}
	}

	unsubMsg := bus.OnMessage(func(f *wire.Frame) {
		if f.Type != wire.KindActorCreated || f.ID != id {
			return
		}
		if f.Error != "" {
			deliver(result{err: fmt.Errorf("%w: %s",
				ErrInit, f.Error)})
			return
		}

		var body wire.ActorCreated
		if err := wire.DecodeBody(f.Body, &body); err != nil {
			deliver(result{err: err})
			return
		}
		deliver(result{created: &body})
	})
	defer unsubMsg()

	unsubExit := bus.OnExit(func(err error) {
		if err == nil {
			err = transport.ErrBusClosed
		}
		deliver(result{err: fmt.Errorf("worker exited during "+
			"creation: %w", err)})
	})
	defer unsubExit()

	if err := send(); err != nil {
		return nil, err
	}

	select {
	case r := <-ch:
		return r.created, r.err

	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// spawnForked builds the spawn function for a forked-mode endpoint: re-exec
// the worker binary, speak frames over its stdio, and bootstrap the actor
// with a create-actor exchange.
func (s *System) spawnForked(c *core) spawnFunc {
	return func(ctx context.Context) (transport.Bus, *wire.ActorCreated,
		error) {

		name, ok := c.def.(string)
		if !ok {
			return nil, nil, fmt.Errorf(
				"%w: forked actors require a registered "+
					"definition name, got %T",
				ErrInit, c.def,
			)
		}
		if _, found := LookupDefinition(name); !found {
			return nil, nil, fmt.Errorf(
				"%w: unknown definition %q", ErrInit, name,
			)
		}

		params, types, handleKey, handleFile, err :=
			s.prepareCustomParameters(c.cfg.CustomParameters)
		if err != nil {
			return nil, nil, err
		}

		// The process outlives the creation call; its lifetime is
		// bounded by the bus teardown in stop, not by ctx.
		bus, err := transport.SpawnProc(
			context.Background(), transport.ProcConfig{
				Command: s.workerCommand,
				Env: []string{
					WorkerEnvVar + "=" + string(ModeForked),
				},
				HandleFile: handleFile,
			},
		)
		if handleFile != nil {
			// The child holds its own copy as fd 3 now.
			_ = handleFile.Close()
		}
		if err != nil {
			return nil, nil, err
		}

		id := bus.NextID()
		body := s.createBody(c, name, params, types, handleKey)

		created, err := awaitCreated(ctx, bus, id, func() error {
			return bus.Send(ctx, &wire.Frame{
				Type: wire.KindCreateActor,
				ID:   id,
				Body: body,
			})
		})
		if err != nil {
			_ = bus.Close()
			return nil, nil, err
		}

		return bus, created, nil
	}
}

// createBody assembles the create-actor payload for a boundary crossing.
func (s *System) createBody(c *core, definition any, params map[string]any,
	types map[string]string, handleKey string) *createActorBody {

	cfg := c.cfg
	cfg.CustomParameters = params

	return &createActorBody{
		ID:            c.id,
		Name:          c.name,
		Definition:    definition,
		ActorConfig:   cfg,
		GlobalConfig:  s.snapshotConfig(),
		Mode:          c.md,
		ParentID:      c.id,
		PingTimeoutMS: c.cfg.pingTimeout(s.pingTimeout).Milliseconds(),

		CustomParametersMarshalledTypes: types,
		HandleParameter:                 handleKey,
	}
}

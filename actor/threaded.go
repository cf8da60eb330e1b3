package actor

import (
	"context"

	"github.com/roasbeef/troupe/transport"
	"github.com/roasbeef/troupe/wire"
)

// spawnThreaded builds the spawn function for a threaded-mode endpoint: a
// dedicated worker goroutine in this process connected through a channel bus
// pair. The same worker entry that serves a forked child serves the
// goroutine, so the two modes behave identically apart from the serialization
// boundary.
func (s *System) spawnThreaded(c *core) spawnFunc {
	return func(ctx context.Context) (transport.Bus, *wire.ActorCreated,
		error) {

		parentSide, workerSide := transport.ChanPair()

		go func() {
			err := ServeWorker(context.Background(), workerSide,
				ModeThreaded)
			if err != nil {
				log.ErrorS(ctx, "Worker goroutine failed",
					err, "actor_id", c.id)
			}
		}()

		// Frames cross the channel pair unserialized, so a threaded
		// actor may carry a live definition value; a registered name
		// works too and keeps configurations portable across modes.
		var definition any = c.def

		id := parentSide.NextID()
		body := s.createBody(c, definition, c.cfg.CustomParameters,
			nil, "")

		created, err := awaitCreated(ctx, parentSide, id,
			func() error {
				return parentSide.Send(ctx, &wire.Frame{
					Type: wire.KindCreateActor,
					ID:   id,
					Body: body,
				})
			},
		)
		if err != nil {
			_ = parentSide.Close()
			return nil, nil, err
		}

		return parentSide, created, nil
	}
}

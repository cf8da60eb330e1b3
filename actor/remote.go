package actor

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/roasbeef/troupe/transport"
	"github.com/roasbeef/troupe/wire"
)

// hostPort resolves one host list entry against the configured default port.
// Entries may carry their own port ("host:9001") or rely on cfg.Port.
func hostPort(entry string, defaultPort int) (string, error) {
	if strings.Contains(entry, ":") {
		return entry, nil
	}
	if defaultPort == 0 {
		return "", fmt.Errorf("host %q has no port and no default "+
			"port is configured", entry)
	}

	return net.JoinHostPort(entry, strconv.Itoa(defaultPort)), nil
}

// resolveHosts expands the endpoint list for a remote actor, consulting the
// named operator cluster when one is configured.
func (s *System) resolveHosts(cfg Config) ([]string, error) {
	hosts := []string(cfg.Host)
	if cfg.Cluster != "" {
		cluster, ok := s.clusters[cfg.Cluster]
		if !ok {
			return nil, fmt.Errorf("unknown cluster %q",
				cfg.Cluster)
		}
		hosts = cluster
	}
	if len(hosts) == 0 {
		return nil, fmt.Errorf("remote actor has no host")
	}

	out := make([]string, len(hosts))
	for i, h := range hosts {
		addr, err := hostPort(h, cfg.Port)
		if err != nil {
			return nil, err
		}
		out[i] = addr
	}

	return out, nil
}

// spawnRemote builds the spawn function for a remote-mode endpoint. The
// creation flow is two connections: a short-lived bootstrap connection to
// the host's create-actor listener, which forks a worker and reports the
// dedicated port that worker listens on, then the long-lived actor
// connection to that port.
func (s *System) spawnRemote(c *core, addr string) spawnFunc {
	return func(ctx context.Context) (transport.Bus, *wire.ActorCreated,
		error) {

		name, ok := c.def.(string)
		if !ok {
			return nil, nil, fmt.Errorf(
				"%w: remote actors require a registered "+
					"definition name, got %T",
				ErrInit, c.def,
			)
		}

		var dialer net.Dialer
		conn, err := dialer.DialContext(ctx, "tcp", addr)
		if err != nil {
			return nil, nil, fmt.Errorf("dial %s: %w", addr, err)
		}

		boot := transport.NewStreamBus(conn)
		boot.Start()
		defer boot.Close()

		params, types, handleKey, handleFile, err :=
			s.prepareCustomParameters(c.cfg.CustomParameters)
		if err != nil {
			return nil, nil, err
		}
		if handleFile != nil {
			_ = handleFile.Close()
			return nil, nil, fmt.Errorf(
				"%w: socket handles cannot cross hosts (%s)",
				ErrSerialization, handleKey,
			)
		}

		id := boot.NextID()
		body := s.createBody(c, name, params, types, "")

		created, err := awaitCreated(ctx, boot, id, func() error {
			return boot.Send(ctx, &wire.Frame{
				Type: wire.KindCreateActor,
				ID:   id,
				Body: body,
			})
		})
		if err != nil {
			return nil, nil, err
		}
		if created.Port == 0 {
			return nil, nil, fmt.Errorf("%w: remote worker "+
				"reported no port", ErrInit)
		}

		host, _, err := net.SplitHostPort(addr)
		if err != nil {
			return nil, nil, err
		}
		workerAddr := net.JoinHostPort(host,
			strconv.Itoa(created.Port))

		workerConn, err := dialer.DialContext(ctx, "tcp", workerAddr)
		if err != nil {
			return nil, nil, fmt.Errorf("dial worker %s: %w",
				workerAddr, err)
		}

		bus := transport.NewStreamBus(workerConn)
		bus.Start()

		return bus, created, nil
	}
}

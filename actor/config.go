package actor

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"reflect"
	"time"
)

// Mode selects how an actor's endpoint is hosted.
type Mode string

const (
	// ModeInMemory hosts the actor on a mailbox goroutine in the current
	// process.
	ModeInMemory Mode = "in-memory"

	// ModeForked hosts the actor in a spawned child process.
	ModeForked Mode = "forked"

	// ModeRemote hosts the actor on a remote host reachable over TCP.
	ModeRemote Mode = "remote"

	// ModeThreaded hosts the actor on a dedicated worker goroutine with
	// a channel port, the in-process analogue of a worker thread.
	ModeThreaded Mode = "threaded"

	// ModeDisabled parks the actor: it is never started and rejects all
	// traffic.
	ModeDisabled Mode = "disabled"
)

// State is the lifecycle state of an actor endpoint.
type State int32

const (
	// StateNew is the state between construction and the completion of
	// the initialize hook.
	StateNew State = iota

	// StateReady accepts messages.
	StateReady

	// StateCrashed marks a dead peer endpoint awaiting respawn.
	StateCrashed

	// StateDestroying marks an in-flight Destroy.
	StateDestroying

	// StateDestroyed is terminal.
	StateDestroyed
)

// String returns the lifecycle state name used in tree output and errors.
func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateReady:
		return "ready"
	case StateCrashed:
		return "crashed"
	case StateDestroying:
		return "destroying"
	case StateDestroyed:
		return "destroyed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// OnCrashRespawn requests transparent respawn of a crashed endpoint.
const OnCrashRespawn = "respawn"

// HostList is a host endpoint list that accepts either a single JSON string
// or an array of strings, matching the configuration file contract.
type HostList []string

// UnmarshalJSON accepts "host" and ["host1", "host2"] forms.
func (h *HostList) UnmarshalJSON(data []byte) error {
	var single string
	if err := json.Unmarshal(data, &single); err == nil {
		*h = HostList{single}
		return nil
	}

	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return fmt.Errorf("host must be a string or string list: %w",
			err)
	}
	*h = HostList(many)

	return nil
}

// MarshalJSON emits the single-string form when the list has one element.
func (h HostList) MarshalJSON() ([]byte, error) {
	if len(h) == 1 {
		return json.Marshal(h[0])
	}

	return json.Marshal([]string(h))
}

// Config is the persistent per-actor configuration. Zero values mean
// "inherit the default": mode defaults to in-memory and cluster size to one.
type Config struct {
	// Name is the actor's human label, used for configuration lookup,
	// global reconfiguration targeting, and metric labels.
	Name string `json:"name,omitempty"`

	// Mode selects the endpoint variant.
	Mode Mode `json:"mode,omitempty"`

	// ClusterSize > 1 multiplexes the actor over that many replicas
	// behind a balancer.
	ClusterSize int `json:"clusterSize,omitempty"`

	// CustomParameters are passed opaquely to the behavior. A single
	// listening socket value is transferred by handle to forked
	// children.
	CustomParameters map[string]any `json:"customParameters,omitempty"`

	// OnCrash selects the supervision policy for dead peer endpoints.
	OnCrash string `json:"onCrash,omitempty"`

	// DropMessagesOnOverload subjects sends to the system admission
	// gate.
	DropMessagesOnOverload bool `json:"dropMessagesOnOverload,omitempty"`

	// Balancer names a registered custom balancing strategy.
	Balancer string `json:"balancer,omitempty"`

	// Host is the remote endpoint host (or list of hosts) for remote
	// mode.
	Host HostList `json:"host,omitempty"`

	// Port is the remote create-actor listener port.
	Port int `json:"port,omitempty"`

	// Cluster names an operator-supplied endpoint list for remote mode.
	Cluster string `json:"cluster,omitempty"`

	// PingTimeoutMS overrides the liveness timeout, in milliseconds.
	PingTimeoutMS int64 `json:"pingTimeout,omitempty"`
}

// pingTimeout resolves the effective liveness timeout.
func (c Config) pingTimeout(systemDefault time.Duration) time.Duration {
	if c.PingTimeoutMS > 0 {
		return time.Duration(c.PingTimeoutMS) * time.Millisecond
	}

	return systemDefault
}

// mode resolves the effective endpoint mode.
func (c Config) mode() Mode {
	if c.Mode == "" {
		return ModeInMemory
	}

	return c.Mode
}

// equivalentModuloCustomParameters reports whether two configurations demand
// the same endpoint shape, ignoring CustomParameters. Hot reconfiguration is
// a no-op for equivalent configurations.
func (c Config) equivalentModuloCustomParameters(other Config) bool {
	a, b := c, other
	a.CustomParameters, b.CustomParameters = nil, nil

	return reflect.DeepEqual(a, b)
}

// overlay merges b over c: any non-zero field of b wins.
func (c Config) overlay(b Config) Config {
	out := c
	if b.Name != "" {
		out.Name = b.Name
	}
	if b.Mode != "" {
		out.Mode = b.Mode
	}
	if b.ClusterSize != 0 {
		out.ClusterSize = b.ClusterSize
	}
	if b.CustomParameters != nil {
		out.CustomParameters = b.CustomParameters
	}
	if b.OnCrash != "" {
		out.OnCrash = b.OnCrash
	}
	if b.DropMessagesOnOverload {
		out.DropMessagesOnOverload = true
	}
	if b.Balancer != "" {
		out.Balancer = b.Balancer
	}
	if len(b.Host) != 0 {
		out.Host = b.Host
	}
	if b.Port != 0 {
		out.Port = b.Port
	}
	if b.Cluster != "" {
		out.Cluster = b.Cluster
	}
	if b.PingTimeoutMS != 0 {
		out.PingTimeoutMS = b.PingTimeoutMS
	}

	return out
}

// newActorID returns a fresh 96-bit opaque actor id, hex encoded.
func newActorID() string {
	var buf [12]byte
	if _, err := rand.Read(buf[:]); err != nil {
		// crypto/rand never fails on supported platforms; a failure
		// here means the process environment is unusable.
		panic(fmt.Sprintf("actor id entropy unavailable: %v", err))
	}

	return hex.EncodeToString(buf[:])
}

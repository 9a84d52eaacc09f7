// Package transport defines the abstract carrier of typed Fusion messages
// between participants (spec.md §4.1) and the three interchangeable
// backends that implement it.
package transport

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fusion-ipc/fusion/wire"
)

// Role is the part a participant plays when opening a transport endpoint.
type Role int

const (
	// RoleMaster requests exclusive ownership of the world.
	RoleMaster Role = iota
	// RoleSlave joins a world a master has already created.
	RoleSlave
	// RoleAny accepts either role, becoming master if none exists yet.
	RoleAny
)

func (r Role) String() string {
	switch r {
	case RoleMaster:
		return "master"
	case RoleSlave:
		return "slave"
	case RoleAny:
		return "any"
	default:
		return "unknown"
	}
}

// Backend selects which concrete transport implementation Open uses.
type Backend int

const (
	// BackendDevice talks to a kernel character device (/dev/fusion<N>).
	BackendDevice Backend = iota
	// BackendSocket talks over AF_UNIX datagram sockets under a tmpfs
	// directory.
	BackendSocket
	// BackendInproc uses an in-process ring with no cross-process state,
	// for single-binary tests and for embedding multiple "participants"
	// in one process.
	BackendInproc
)

// Addr identifies a destination endpoint within a world. ParticipantID names
// the destination participant; the socket backend also accepts an explicit
// socket Path, which it uses in place of ParticipantID when set. The device
// backend's Send does not read addr.
type Addr struct {
	ParticipantID uint32
	Path          string
}

// Broadcast is the zero Addr's conventional meaning: deliver to every
// participant in the world instead of one.
var Broadcast = Addr{}

// ErrDestroyed is returned by Endpoint methods once the peer (or the whole
// world) is known to be gone. spec.md §7 collapses ECONNREFUSED into this.
var ErrDestroyed = errors.New("transport: destroyed")

// Endpoint is a single participant's open connection to a world's
// transport. Implementations must retry EINTR internally and translate
// ECONNREFUSED-equivalent failures into ErrDestroyed, per spec.md §4.1's
// failure semantics; any other error is returned as-is (surfaced by
// callers as fusion.Io).
type Endpoint interface {
	// Send transmits a single frame to addr (or to every participant, if
	// addr is Broadcast).
	Send(frame wire.Frame, addr Addr) error

	// Recv blocks until at least one frame's worth of bytes is available,
	// then fills buf and reports how many bytes were read. The returned
	// bytes may contain several frames back to back (spec.md §4.1: "read
	// in batches of up to 4 * max-frame bytes").
	Recv(buf []byte) (int, error)

	// Unblock wakes a concurrent Recv, used by StopDispatcher to drain the
	// dispatcher without waiting for a real message. On inproc that Recv
	// returns (0, nil); the socket backend sends itself a header-only SEND
	// frame, which Recv returns as an ordinary frame; the device backend
	// issues its UNBLOCK ioctl.
	Unblock() error

	// Sync round-trips through the transport, flushing anything buffered
	// on the kernel or OS side (spec.md's World.sync).
	Sync() error

	// Close releases the endpoint. After Close, Recv returns ErrDestroyed on
	// every backend. Send, Unblock and Sync are not checked against a
	// closed endpoint: on inproc, Send still delivers to the other
	// participants and Unblock and Sync return nil.
	Close() error
}

// ParticipantIDer reports the participant id an endpoint was given while it
// opened. All three backends implement it: inproc assigns the next free id,
// socket binds the first free id it probes, and device takes the id the
// kernel returns from ENTER. World checks for this interface after Open to
// learn its assigned id without each backend needing a uniform handshake
// shape.
type ParticipantIDer interface {
	ID() uint32
}

// LivenessPoller is implemented by backends (socket) whose participants
// can vanish without ever sending a clean LEAVE frame — a SIGKILLed slave
// leaves its socket bound but never signals the master. spec.md §4.4:
// "`_fusion_check_locals` additionally polls `kill(pid, 0)` to prune refs
// held by silently dead participants." A master World starts this poll
// for any endpoint implementing it, feeding discovered deaths into the
// same LeaveHandler a real LEAVE frame uses.
type LivenessPoller interface {
	// PollLiveness polls every participant this endpoint has heard from at
	// interval, calling onDead once per participant id found dead
	// (kill(pid, 0) returning ESRCH), until ctx is canceled. It returns
	// immediately; the poll itself runs in a background goroutine.
	PollLiveness(ctx context.Context, interval time.Duration, onDead func(participantID uint32))
}

// WorldRemover is implemented by backends that hold on-disk state scoped
// to a whole world (not just one endpoint), which must be cleaned up once
// the last participant leaves (spec.md §8: "shared root file removed when
// master exits last").
type WorldRemover interface {
	RemoveWorld() error
}

// Opener is implemented by each backend's package-level Open function.
type Opener func(worldIndex int, role Role, env OpenEnv) (Endpoint, error)

// openers is populated by the backend packages' init functions via
// Register, avoiding an import cycle where this package would otherwise
// need to import device/socket/inproc directly.
var openers = map[Backend]Opener{}

// Register installs the Opener for a backend. Each backend package calls
// this from its own init().
func Register(b Backend, open Opener) {
	openers[b] = open
}

// Open dispatches to the Opener registered for backend b. Callers that
// want auto-detection (try the kernel device, fall back to the socket
// backend) implement that policy themselves by trying BackendDevice then
// BackendSocket, per DESIGN.md's Open Question decision on backend
// selection.
func Open(b Backend, worldIndex int, role Role, env OpenEnv) (Endpoint, error) {
	open, ok := openers[b]
	if !ok {
		return nil, fmt.Errorf("transport: no backend registered for %v", b)
	}
	return open(worldIndex, role, env)
}

// OpenEnv carries the handful of environment overrides (spec.md §6) a
// backend may need while opening (tmpfs path, secure-mmap flag, etc.)
// without every backend importing the root fusion package (which would be
// a cycle, since fusion imports transport).
type OpenEnv struct {
	TmpfsPath string
	Secure    bool
}

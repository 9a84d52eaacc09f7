package fusion

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jacobsa/timeutil"
	"golang.org/x/sync/errgroup"

	"github.com/fusion-ipc/fusion/dispatcher"
	"github.com/fusion-ipc/fusion/reffed"
	"github.com/fusion-ipc/fusion/sharedroot"
	"github.com/fusion-ipc/fusion/transport"
	"github.com/fusion-ipc/fusion/wire"
)

// callEnterHandshake is the reserved call id a slave uses to validate its
// ABI version against the master's shared root and register its
// participation, in one round trip (spec.md §6: "every enter that doesn't
// match returns VERSIONMISMATCH"). Real call ids a user registers with
// RegisterCall are expected to stay below this range.
const callEnterHandshake uint32 = 0xfffffff0

const defaultRootSize = 4096

// defaultLivenessPollInterval is how often a master World with a
// transport.LivenessPoller backend checks for participants killed without
// sending LEAVE (spec.md §4.4's `_fusion_check_locals`). A second strikes
// the balance between noticing a dead slave promptly and not spending a
// syscall per known participant too often.
const defaultLivenessPollInterval = time.Second

// registry replaces the teacher's fixed-size fusion_worlds[MAX_WORLDS]
// global table (spec.md §9's redesign note) with a sync.Map keyed by world
// index, published only once a World has fully initialized — see
// DESIGN.md's Open Question 2.
var registry sync.Map // map[int]*World

// worldRef tracks how many times Enter has been called, in this process,
// for a given (worldIndex, role) pair, so a second Enter call shares the
// existing World rather than opening a second transport endpoint for it
// (spec.md §3: "shared with later enter-calls from the same process by
// refcount, destroyed by exit when the local refcount reaches zero"). This
// is deliberately separate from sharedroot.Root.RefCount, which counts
// distinct processes/participants across the whole world, not repeat
// Enter calls within one of them.
type worldRef struct {
	world *World
	role  transport.Role
	count int
}

var (
	enterMu   sync.Mutex
	enterRefs = map[int]*worldRef{}
)

// World is a single process's membership in one Fusion world: its
// transport endpoint, its dispatcher, and — for the master only — the
// shared root and reference federation (spec.md §4.2).
type World struct {
	Index      int
	Role       transport.Role
	Backend    transport.Backend
	SelfID     uint32
	IsMaster   bool
	ABIVersion uint32

	// SessionID tags every debug line this World emits (see logf), purely
	// for telling interleaved output from several Worlds in one process
	// apart; it is never part of the wire protocol or any persisted state.
	SessionID string

	ep         transport.Endpoint
	Dispatcher *dispatcher.Dispatcher

	// Root and Federation are non-nil only for the master: every
	// cross-process mutation they guard is routed through CALL messages to
	// the master's process, per sharedroot.Skirmish's doc comment.
	Root       *sharedroot.Root
	Federation *reffed.Federation
	mapping    *sharedroot.Mapping
	leave      *leaveHandler

	// SlaveRefs is non-nil only for slaves.
	SlaveRefs *reffed.SlaveMap

	Clock timeutil.Clock

	// ForkAction selects what this World does in the child process after a
	// fork (spec.md §6's fork action selector). Defaults to FFAClose; a
	// caller that wants this World to survive a fork sets it to FFAFork
	// before calling Before.
	ForkAction ForkAction

	// EmergencyHook, if set, is invoked by StopDispatcher(emergency=true)
	// before anything else, giving a caller (typically one holding a
	// card.Serializer) a chance to tear down GPU state atomically with the
	// world shutdown (spec.md §8's pending-ops invariant).
	EmergencyHook func()

	ctx    context.Context
	cancel context.CancelFunc
	g      *errgroup.Group
	runErr chan error

	mu        sync.Mutex
	activated bool
	exited    bool
}

// leaveHandler adapts a master World's federation and root together into
// the single dispatcher.LeaveHandler the dispatcher calls on LEAVE, since
// a departing participant must both release its object references and
// drop the world's overall participant count.
type leaveHandler struct {
	federation *reffed.Federation
	root       *sharedroot.Root
}

func (h *leaveHandler) HandleLeave(participantID uint32) {
	h.federation.HandleLeave(participantID)
	h.root.DecRef()
}

// Enter implements spec.md §4.2's Enter: open a transport endpoint for
// worldIndex under role, and, for a master, materialize the shared root.
// A slave's ABI check and presence registration happen later, in
// Activate. A second Enter call for the same (worldIndex, role) pair in
// this process shares the already-open World and bumps its process-local
// refcount instead of opening a second transport endpoint; Exit only
// tears the World down once that refcount reaches zero. The returned
// World has not yet started its dispatcher loop — call Activate once any
// additional call handlers are registered.
func Enter(worldIndex int, role transport.Role, backend transport.Backend, abiVersion uint32, env Environment) (*World, error) {
	if worldIndex < 0 || worldIndex >= sharedroot.MaxWorlds {
		return nil, NewError("Enter", InvalidArgument, fmt.Errorf("world index %d out of range [0, %d)", worldIndex, sharedroot.MaxWorlds))
	}
	if role != transport.RoleMaster && role != transport.RoleSlave && role != transport.RoleAny {
		return nil, NewError("Enter", InvalidArgument, fmt.Errorf("unknown role %v", role))
	}

	enterMu.Lock()
	if ref, ok := enterRefs[worldIndex]; ok && ref.role == role {
		ref.count++
		enterMu.Unlock()
		return ref.world, nil
	}
	enterMu.Unlock()

	ep, err := transport.Open(backend, worldIndex, role, transport.OpenEnv{TmpfsPath: env.TmpfsPath, Secure: env.Secure})
	if err != nil {
		if err == transport.ErrDestroyed {
			return nil, NewError("Enter", Destroyed, err)
		}
		return nil, NewError("Enter", InitFailed, err)
	}

	selfID := uint32(0)
	if pider, ok := ep.(transport.ParticipantIDer); ok {
		selfID = pider.ID()
	}
	isMaster := role == transport.RoleMaster
	if role == transport.RoleAny {
		isMaster = selfID == 1
	}

	w := &World{
		Index:      worldIndex,
		Role:       role,
		Backend:    backend,
		SelfID:     selfID,
		IsMaster:   isMaster,
		ABIVersion: abiVersion,
		SessionID:  newSessionID(),
		ep:         ep,
		Clock:      timeutil.RealClock(),
	}

	if isMaster {
		if err := w.initMaster(worldIndex, backend, env); err != nil {
			ep.Close()
			return nil, err
		}
	} else {
		w.SlaveRefs = reffed.NewSlaveMap()
		if backend == transport.BackendSocket {
			dir := env.TmpfsPath
			if dir == "" {
				dir = "/tmp"
			}
			socketDir := filepath.Join(dir, fmt.Sprintf(".fusion-%d", worldIndex))
			if m, err := sharedroot.Attach(socketDir, worldIndex, defaultRootSize, false); err == nil {
				w.mapping = m
			}
			// A slave that loses this race (master hasn't created the
			// backing file yet) simply has no mapping; ParticipantCount
			// reports ok=false rather than failing Enter over it, since
			// the refcount mirror is a convenience, not load-bearing.
		}
	}

	w.Dispatcher = dispatcher.New(ep, selfID, isMaster, dispatcher.Config{})
	if isMaster {
		w.leave = &leaveHandler{federation: w.Federation, root: w.Root}
		w.Dispatcher.SetLeaveHandler(w.leave)
	}

	registry.Store(worldIndex, w)

	enterMu.Lock()
	enterRefs[worldIndex] = &worldRef{world: w, role: role, count: 1}
	enterMu.Unlock()

	return w, nil
}

func (w *World) initMaster(worldIndex int, backend transport.Backend, env Environment) error {
	w.Root = sharedroot.NewRoot(worldIndex, w.ABIVersion, time.Now())
	w.Federation = reffed.New()

	if backend == transport.BackendSocket {
		dir := env.TmpfsPath
		if dir == "" {
			dir = "/tmp"
		}
		socketDir := filepath.Join(dir, fmt.Sprintf(".fusion-%d", worldIndex))
		m, err := sharedroot.Attach(socketDir, worldIndex, defaultRootSize, true)
		if err != nil {
			return NewError("Enter", InitFailed, err)
		}
		w.mapping = m
		w.Root.AttachMirror(m.RefCountWord())
	}
	return nil
}

// ParticipantCount reports the world's live participant count via the
// refcount word mirrored into the shared-memory root mapping
// (sharedroot.Mapping.RefCountWord), the one way a slave can observe it
// without round-tripping a CALL to the master. Returns ok=false if this
// World has no mapping (inproc backend, or a socket slave that Entered
// before the master had created the backing file).
func (w *World) ParticipantCount() (count int32, ok bool) {
	if w.mapping == nil {
		return 0, false
	}
	return atomic.LoadInt32(w.mapping.RefCountWord()), true
}

// Activate starts the dispatcher loop and, for a slave, performs the ABI
// handshake with the master (spec.md §4.2's Activate, kept distinct from
// Enter so a caller may register additional call handlers first).
func (w *World) Activate(ctx context.Context) error {
	w.mu.Lock()
	if w.activated {
		w.mu.Unlock()
		return nil
	}
	w.activated = true
	w.mu.Unlock()

	w.ctx, w.cancel = context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(w.ctx)
	w.g = g
	w.runErr = make(chan error, 1)

	g.Go(func() error {
		err := w.Dispatcher.Run(gctx)
		return err
	})

	if !w.IsMaster {
		w.Dispatcher.RegisterCall(callEnterHandshake, func(caller uint32, arg uint32) (int32, error) {
			return 0, nil
		})

		handshakeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		masterID := uint32(1)
		ret, err := w.Dispatcher.Call(handshakeCtx, masterID, callEnterHandshake, w.ABIVersion)
		if err != nil {
			return err
		}
		if ret != 0 {
			return NewError("Activate", VersionMismatch, fmt.Errorf("world %d: abi mismatch", w.Index))
		}
	} else {
		w.Dispatcher.RegisterCall(callEnterHandshake, func(caller uint32, arg uint32) (int32, error) {
			if arg != w.ABIVersion {
				return -1, nil
			}
			w.Root.IncRef()
			return 0, nil
		})

		if poller, ok := w.ep.(transport.LivenessPoller); ok {
			poller.PollLiveness(w.ctx, defaultLivenessPollInterval, w.leave.HandleLeave)
		}
	}

	return nil
}

// Sync round-trips through the transport (spec.md's World.sync), bounded
// only by the underlying transport per spec.md §5.
func (w *World) Sync() error {
	if err := w.ep.Sync(); err != nil {
		return NewError("Sync", Io, err)
	}
	return nil
}

// StopDispatcher implements spec.md §5's stop-dispatcher: mark the
// dispatcher stopped, wake any blocked Recv, and close the transport so
// the receive loop's next read observes it as destroyed and exits rather
// than blocking forever — "switches transport to non-blocking" in spec.md
// prose, achieved here by tearing the endpoint down instead of a
// permanent non-blocking mode switch, since transport.Endpoint exposes no
// such mode. If emergency is set and EmergencyHook is configured, the hook
// runs first, atomically tearing down GPU state alongside the world
// (spec.md §8's pending-ops invariant).
func (w *World) StopDispatcher(emergency bool) error {
	if emergency && w.EmergencyHook != nil {
		w.EmergencyHook()
	}

	w.Dispatcher.Stop()
	if err := w.ep.Unblock(); err != nil && err != transport.ErrDestroyed {
		w.logf("World.StopDispatcher: unblock: %v", err)
	}
	if err := w.ep.Close(); err != nil {
		w.logf("World.StopDispatcher: close: %v", err)
	}

	if w.cancel != nil {
		w.cancel()
	}
	if w.g != nil {
		if err := w.g.Wait(); err != nil {
			return NewError("StopDispatcher", Fusion, err)
		}
	}
	return nil
}

// logf writes a debug line tagged with this World's SessionID, so a reader
// of interleaved output from several Worlds in one process — master and
// slave sharing an address space over the inproc transport, the common
// case in this module's own tests — can tell which World logged it.
func (w *World) logf(format string, args ...any) {
	Debugf("[%s] "+format, append([]any{w.SessionID}, args...)...)
}

// Exit implements spec.md §4.2's Exit: drop this call's share of the
// process-local Enter refcount, returning immediately if another local
// Enter call is still holding the World; once that refcount reaches
// zero, stop the dispatcher, tell the master this participant is leaving
// (slaves) or drop this process's own reference (master), and, once the
// cross-process sharedroot.Root refcount also reaches zero, remove
// whatever on-disk state the backend left behind.
func (w *World) Exit() error {
	enterMu.Lock()
	if ref, ok := enterRefs[w.Index]; ok && ref.world == w {
		ref.count--
		if ref.count > 0 {
			enterMu.Unlock()
			return nil
		}
		delete(enterRefs, w.Index)
	}
	enterMu.Unlock()

	w.mu.Lock()
	if w.exited {
		w.mu.Unlock()
		return nil
	}
	w.exited = true
	w.mu.Unlock()

	if !w.IsMaster {
		buf := make([]byte, wire.LeaveMessageSize)
		wire.LeaveMessage{ParticipantID: w.SelfID}.Encode(buf)
		frame := wire.Frame{Header: wire.Header{Type: wire.MsgLeave, ID: w.SelfID}, Payload: buf}
		if err := w.ep.Send(frame, transport.Addr{ParticipantID: 1}); err != nil && err != transport.ErrDestroyed {
			w.logf("World.Exit: leave notice: %v", err)
		}
		if w.mapping != nil {
			w.mapping.Close()
		}
	}

	// StopDispatcher closes the transport as part of tearing down the
	// receive loop, so there is no separate Close call here: by the time it
	// returns, w.ep is already gone.
	if err := w.StopDispatcher(false); err != nil {
		return err
	}

	registry.Delete(w.Index)

	if w.IsMaster {
		remaining := w.Root.DecRef()
		if remaining <= 0 {
			if w.mapping != nil {
				w.mapping.Close()
			}
			if remover, ok := w.ep.(transport.WorldRemover); ok {
				if err := remover.RemoveWorld(); err != nil {
					w.logf("World.Exit: remove world state: %v", err)
				}
			}
		}
	}

	return nil
}

// Lookup returns the World previously published for worldIndex by Enter
// in this process, if any.
func Lookup(worldIndex int) (*World, bool) {
	v, ok := registry.Load(worldIndex)
	if !ok {
		return nil, false
	}
	return v.(*World), true
}

package fusion

import (
	"context"
	"fmt"
	"sync"
	"syscall"
	"time"

	"github.com/fusion-ipc/fusion/dispatcher"
	"github.com/fusion-ipc/fusion/transport"
)

// ForkPhase identifies which of the three fork phases a registered handler
// is being invoked for (spec.md §6: "Phases delivered: FFS_PREPARE |
// FFS_PARENT | FFS_CHILD").
type ForkPhase int

const (
	FFSPrepare ForkPhase = iota
	FFSParent
	FFSChild
)

func (p ForkPhase) String() string {
	switch p {
	case FFSPrepare:
		return "FFS_PREPARE"
	case FFSParent:
		return "FFS_PARENT"
	case FFSChild:
		return "FFS_CHILD"
	default:
		return fmt.Sprintf("ForkPhase(%d)", int(p))
	}
}

// ForkAction selects what a World does in the child process after a fork,
// per spec.md §6's "Fork action selector. FFA_CLOSE | FFA_FORK."
type ForkAction int

const (
	// FFAClose drops all of this World's cross-process state in the child:
	// unmap, close the transport, free local bookkeeping.
	FFAClose ForkAction = iota
	// FFAFork keeps this World alive in the child: acquire a fresh
	// participant id, duplicate the local refs map, and restart the
	// dispatcher.
	FFAFork
)

// ForkHandler is invoked for every registered fork handler in each of the
// three phases, in registration order.
type ForkHandler func(phase ForkPhase)

var (
	forkHandlersMu sync.Mutex
	forkHandlers   []ForkHandler
)

// RegisterForkHandler installs fn as one of the process-wide fork callbacks
// Before/After/AfterInChild invoke. Go has no libc-style pthread_atfork
// hook, so per spec.md §9's redesign note ("in ecosystems without fork
// hooks, expose an explicit Before/After API and document that forking
// without it is undefined"), a caller about to fork — realistically a raw
// syscall.RawSyscall(SYS_FORK) caller, since os/exec and syscall.ForkExec
// never run further Go code in the child — must bracket the fork point
// with these calls itself.
func RegisterForkHandler(fn ForkHandler) {
	forkHandlersMu.Lock()
	defer forkHandlersMu.Unlock()
	forkHandlers = append(forkHandlers, fn)
}

func runForkHandlers(phase ForkPhase) {
	forkHandlersMu.Lock()
	handlers := append([]ForkHandler(nil), forkHandlers...)
	forkHandlersMu.Unlock()
	for _, fn := range handlers {
		fn(phase)
	}
}

// Before runs the PREPARE phase: every registered ForkHandler, then every
// active World's own preparation (spec.md §4.2: "prepare: for each world,
// invoke user fork callback with phase=PREPARE"). Call this immediately
// before the fork point.
func Before() {
	runForkHandlers(FFSPrepare)
	registry.Range(func(_, v any) bool {
		v.(*World).forkPrepare()
		return true
	})
}

// After runs the PARENT phase in the parent process once a fork completes
// (spec.md §4.2: "parent: invoke callback with phase=PARENT; if
// fork-action is FORK, bump shared refcount (master only); in socket mode,
// cancel dispatcher to prevent double-consumption in the child" — the
// cancel already happened in Before/forkPrepare, so the parent's own job
// here is the refcount bump plus resuming what it paused).
func After() {
	runForkHandlers(FFSParent)
	registry.Range(func(_, v any) bool {
		v.(*World).forkParent()
		return true
	})
}

// AfterInChild runs the CHILD phase and then applies every active World's
// fork-action (spec.md §4.2: "child: invoke callback with phase=CHILD;
// then per world fork-action: CLOSE → unmap, close transport, free local;
// FORK → acquire a new participant id, duplicate the participant's local
// refs shared record, restart dispatcher"). Call this instead of After()
// on the branch that is the fork's child.
func AfterInChild() error {
	runForkHandlers(FFSChild)
	var firstErr error
	registry.Range(func(_, v any) bool {
		w := v.(*World)
		if err := w.forkChild(); err != nil && firstErr == nil {
			firstErr = err
		}
		return true
	})
	return firstErr
}

// forkPrepare quiesces the dispatcher ahead of the fork point in socket
// mode, so the child does not inherit a receive loop mid-batch.
func (w *World) forkPrepare() {
	if w.Backend == transport.BackendSocket {
		w.Dispatcher.Stop()
	}
}

// forkParent runs in the parent process once the fork has completed: bump
// the shared refcount if this World forks rather than closes in the
// child, and resume whatever forkPrepare paused.
func (w *World) forkParent() {
	if w.ForkAction == FFAFork && w.IsMaster {
		w.Root.IncRef()
	}
	if w.Backend == transport.BackendSocket {
		w.Dispatcher.Resume()
	}
}

// forkChild applies this World's fork-action in the child process.
func (w *World) forkChild() error {
	switch w.ForkAction {
	case FFAClose:
		registry.Delete(w.Index)
		if w.mapping != nil {
			w.mapping.Close()
		}
		return w.ep.Close()

	case FFAFork:
		return w.forkChildRestart()

	default:
		return nil
	}
}

// forkChildRestart implements the FFAFork child action: acquire a fresh
// participant id by reopening the transport, duplicate the local refs map,
// and restart the dispatcher under the new id. The old endpoint and
// dispatcher goroutine belonged to the pre-fork participant identity and
// are dropped here rather than kept running alongside the new one — a real
// fork(2) only carries the calling thread into the child, so nothing else
// from the parent's goroutines survives to double-serve the old id anyway.
//
// The socket backend identifies a participant by a filesystem path, which
// is shared state rather than per-process: closing the old endpoint in the
// child unlinks that path out from under the parent if the parent is still
// relying on it. FFAFork is well-defined for the inproc and device
// backends; socket-mode callers should prefer FFAClose, per DESIGN.md.
func (w *World) forkChildRestart() error {
	ep, err := transport.Open(w.Backend, w.Index, w.Role, transport.OpenEnv{})
	if err != nil {
		return NewError("forkChild", InitFailed, err)
	}

	newID := uint32(0)
	if pider, ok := ep.(transport.ParticipantIDer); ok {
		newID = pider.ID()
	}

	w.mu.Lock()
	oldEp := w.ep
	w.ep = ep
	w.SelfID = newID
	if w.SlaveRefs != nil {
		w.SlaveRefs = w.SlaveRefs.Clone()
	}
	w.Dispatcher = dispatcher.New(ep, newID, w.IsMaster, dispatcher.Config{})
	w.activated = false
	w.mu.Unlock()

	oldEp.Close()

	return w.Activate(context.Background())
}

// Kill implements spec.md §4.2's kill(participant_id, signal, timeout_ms):
// signal the participant's process and, if timeoutMs is positive, poll
// kill(pid, 0) every millisecond until it exits or the deadline passes. If
// pid is already dead — either the initial signal or a later poll observes
// ESRCH — this master's bookkeeping for that participant is pruned exactly
// as if it had sent a clean LEAVE: its federation refs are released and
// the shared root's participant count drops, via the same leaveHandler
// path a real LEAVE message takes. This module treats participant id and
// OS pid as the same value, since neither the socket nor the inproc
// backend here keeps the kernel-device backend's separate pid-per-
// participant table.
func (w *World) Kill(participantID uint32, signal syscall.Signal, timeoutMs int) error {
	pid := int(participantID)
	if err := syscall.Kill(pid, signal); err != nil {
		if err == syscall.ESRCH {
			w.pruneDeadParticipant(participantID)
			return nil
		}
		return NewError("Kill", Io, err)
	}
	if timeoutMs <= 0 {
		return nil
	}

	deadline := time.Now().Add(time.Duration(timeoutMs) * time.Millisecond)
	for time.Now().Before(deadline) {
		if err := syscall.Kill(pid, 0); err == syscall.ESRCH {
			w.pruneDeadParticipant(participantID)
			return nil
		}
		time.Sleep(time.Millisecond)
	}
	return NewError("Kill", Timeout, fmt.Errorf("participant %d still alive after %dms", participantID, timeoutMs))
}

// pruneDeadParticipant releases a dead participant's bookkeeping on this
// master, the same cleanup leaveHandler.HandleLeave runs for a clean LEAVE
// message (spec.md §4.2: "if pid is already dead, clean its participant
// record"). It is a no-op for a slave World or a participant this master
// never federated, matching HandleLeave's own no-op-on-unknown-ref shape.
func (w *World) pruneDeadParticipant(participantID uint32) {
	if !w.IsMaster || w.leave == nil {
		return
	}
	w.leave.HandleLeave(participantID)
}

package fusion

import (
	"context"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fusion-ipc/fusion/transport"
	"github.com/fusion-ipc/fusion/transport/inproc"
)

// TestForkHandlersRunInPhaseOrder covers spec.md §4.2's three-phase
// protocol at the RegisterForkHandler level, independent of any World.
func TestForkHandlersRunInPhaseOrder(t *testing.T) {
	var got []ForkPhase
	RegisterForkHandler(func(phase ForkPhase) { got = append(got, phase) })

	Before()
	After()

	require.Len(t, got, 2)
	require.Equal(t, FFSPrepare, got[0])
	require.Equal(t, FFSParent, got[1])
}

// TestForkChildCloseTearsDownWorld covers the FFA_CLOSE child action:
// unmap, close transport, free local state.
func TestForkChildCloseTearsDownWorld(t *testing.T) {
	inproc.Reset()
	defer inproc.Reset()

	w, err := Enter(20, transport.RoleMaster, transport.BackendInproc, 1, Environment{})
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, w.Activate(ctx))

	w.ForkAction = FFAClose
	w.forkPrepare()
	require.NoError(t, w.forkChild())

	_, ok := Lookup(20)
	require.False(t, ok)

	_, recvErr := w.ep.Recv(make([]byte, 64))
	require.Equal(t, transport.ErrDestroyed, recvErr)
}

// TestForkChildForkRestartsUnderNewID covers the FFA_FORK child action: a
// fresh participant id, a duplicated local refs map, and a dispatcher that
// still answers calls.
func TestForkChildForkRestartsUnderNewID(t *testing.T) {
	inproc.Reset()
	defer inproc.Reset()

	master, err := Enter(21, transport.RoleMaster, transport.BackendInproc, 1, Environment{})
	require.NoError(t, err)
	master.Dispatcher.RegisterCall(7, func(caller uint32, arg uint32) (int32, error) {
		return int32(arg) + 1, nil
	})

	slave, err := Enter(21, transport.RoleSlave, transport.BackendInproc, 1, Environment{})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, master.Activate(ctx))
	require.NoError(t, slave.Activate(ctx))

	oldID := slave.SelfID
	slave.ForkAction = FFAFork
	slave.forkPrepare()
	require.NoError(t, slave.forkChild())

	require.NotEqual(t, oldID, slave.SelfID)

	callCtx, callCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer callCancel()
	ret, err := slave.Dispatcher.Call(callCtx, master.SelfID, 7, 41)
	require.NoError(t, err)
	require.EqualValues(t, 42, ret)

	require.NoError(t, master.Exit())
	require.NoError(t, slave.Exit())
}

// TestWorldKillPrunesAlreadyDeadParticipant covers spec.md §4.2's "if pid
// is already dead, clean its participant record": a participant id that
// fails the initial kill(2) with ESRCH must still have its federation refs
// released and the shared root's participant count dropped, the same
// cleanup a real LEAVE message would trigger.
func TestWorldKillPrunesAlreadyDeadParticipant(t *testing.T) {
	inproc.Reset()
	defer inproc.Reset()

	master, err := Enter(22, transport.RoleMaster, transport.BackendInproc, 1, Environment{})
	require.NoError(t, err)
	defer master.Exit()

	const deadParticipant = 999999
	master.Root.IncRef()
	master.Federation.Up(deadParticipant, 5, 1)
	require.Equal(t, 1, master.Federation.EntryCount())

	err = master.Kill(deadParticipant, syscall.Signal(0), 0)
	require.NoError(t, err)

	require.Equal(t, 0, master.Federation.EntryCount())
	_, ok := master.Federation.Lookup(5)
	require.False(t, ok)
}

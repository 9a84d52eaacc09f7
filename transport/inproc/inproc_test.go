package inproc_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fusion-ipc/fusion/transport"
	"github.com/fusion-ipc/fusion/transport/inproc"
	"github.com/fusion-ipc/fusion/wire"
)

func openPair(t *testing.T, worldIndex int) (transport.Endpoint, transport.Endpoint) {
	t.Helper()
	master, err := inproc.Open(worldIndex, transport.RoleMaster, transport.OpenEnv{})
	require.NoError(t, err)
	slave, err := inproc.Open(worldIndex, transport.RoleSlave, transport.OpenEnv{})
	require.NoError(t, err)
	return master, slave
}

func TestSendRecvDirected(t *testing.T) {
	inproc.Reset()
	master, slave := openPair(t, 0)
	defer master.Close()
	defer slave.Close()

	slaveID := slave.(interface{ ID() uint32 }).ID()

	frame := wire.Frame{Header: wire.Header{Type: wire.MsgCall}, Payload: []byte{1, 2, 3}}
	require.NoError(t, master.Send(frame, transport.Addr{ParticipantID: slaveID}))

	buf := make([]byte, 256)
	n, err := slave.Recv(buf)
	require.NoError(t, err)

	frames, err := wire.SplitFrames(buf[:n])
	require.NoError(t, err)
	require.Len(t, frames, 1)
	require.Equal(t, []byte{1, 2, 3}, frames[0].Payload)
}

func TestBroadcastReachesEveryoneButSender(t *testing.T) {
	inproc.Reset()
	master, err := inproc.Open(1, transport.RoleMaster, transport.OpenEnv{})
	require.NoError(t, err)
	defer master.Close()

	slaveA, _ := inproc.Open(1, transport.RoleSlave, transport.OpenEnv{})
	slaveB, _ := inproc.Open(1, transport.RoleSlave, transport.OpenEnv{})
	defer slaveA.Close()
	defer slaveB.Close()

	require.NoError(t, master.Send(wire.Frame{Header: wire.Header{Type: wire.MsgSend}}, transport.Broadcast))

	for _, ep := range []transport.Endpoint{slaveA, slaveB} {
		buf := make([]byte, 64)
		n, err := ep.Recv(buf)
		require.NoError(t, err)
		require.Positive(t, n)
	}
}

func TestUnblockWakesRecv(t *testing.T) {
	inproc.Reset()
	ep, err := inproc.Open(2, transport.RoleMaster, transport.OpenEnv{})
	require.NoError(t, err)
	defer ep.Close()

	done := make(chan struct{})
	go func() {
		buf := make([]byte, 64)
		n, err := ep.Recv(buf)
		require.NoError(t, err)
		require.Equal(t, 0, n)
		close(done)
	}()

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, ep.Unblock())

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Recv did not wake up after Unblock")
	}
}

func TestSendToClosedParticipantIsDestroyed(t *testing.T) {
	inproc.Reset()
	master, err := inproc.Open(3, transport.RoleMaster, transport.OpenEnv{})
	require.NoError(t, err)
	defer master.Close()

	slave, err := inproc.Open(3, transport.RoleSlave, transport.OpenEnv{})
	require.NoError(t, err)
	slaveID := slave.(interface{ ID() uint32 }).ID()
	require.NoError(t, slave.Close())

	err = master.Send(wire.Frame{Header: wire.Header{Type: wire.MsgSend}}, transport.Addr{ParticipantID: slaveID})
	require.ErrorIs(t, err, transport.ErrDestroyed)
}

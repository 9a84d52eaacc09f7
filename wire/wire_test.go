package wire_test

import (
	"testing"

	"github.com/kylelemons/godebug/pretty"
	"github.com/stretchr/testify/require"

	"github.com/fusion-ipc/fusion/wire"
)

func TestHeaderRoundTrip(t *testing.T) {
	h := wire.Header{Type: wire.MsgCall, ID: 7, Channel: 0, Size: 48}
	buf := make([]byte, wire.HeaderSize)
	h.Encode(buf)

	got, err := wire.DecodeHeader(buf)
	require.NoError(t, err)
	require.Equal(t, h, got)
}

func TestAlignedSize(t *testing.T) {
	cases := map[uint32]uint32{0: 0, 1: 4, 3: 4, 4: 4, 5: 8, 48: 48, 49: 52}
	for in, want := range cases {
		require.Equal(t, want, wire.AlignedSize(in), "in=%d", in)
	}
}

func TestSplitFramesOrderAndAlignment(t *testing.T) {
	var batch []byte

	appendFrame := func(typ wire.MsgType, payload []byte) {
		size := wire.HeaderSize + len(payload)
		h := wire.Header{Type: typ, ID: uint32(len(batch)), Size: uint32(size)}
		buf := make([]byte, size)
		h.Encode(buf)
		copy(buf[wire.HeaderSize:], payload)
		aligned := wire.AlignedSize(uint32(size))
		padded := make([]byte, aligned)
		copy(padded, buf)
		batch = append(batch, padded...)
	}

	appendFrame(wire.MsgSend, nil)
	appendFrame(wire.MsgCall, []byte{1, 2, 3}) // odd length forces padding
	appendFrame(wire.MsgLeave, []byte{9, 9, 9, 9})

	frames, err := wire.SplitFrames(batch)
	require.NoError(t, err)
	require.Len(t, frames, 3)
	require.Equal(t, wire.MsgSend, frames[0].Header.Type)
	require.Equal(t, wire.MsgCall, frames[1].Header.Type)
	require.Equal(t, []byte{1, 2, 3}, frames[1].Payload)
	require.Equal(t, wire.MsgLeave, frames[2].Header.Type)
}

func TestSplitFramesTruncatedTail(t *testing.T) {
	h := wire.Header{Type: wire.MsgCall, Size: 64}
	buf := make([]byte, wire.HeaderSize+4) // claims 64 bytes but only has 20
	h.Encode(buf)

	_, err := wire.SplitFrames(buf)
	require.Error(t, err)
}

func TestCallMessageRoundTrip(t *testing.T) {
	m := wire.CallMessage{CallID: 3, Caller: 0, CallArg: 42, RetVal: 0, Serial: 1}
	buf := make([]byte, wire.CallMessageSize)
	m.Encode(buf)

	got, err := wire.DecodeCallMessage(buf)
	require.NoError(t, err)
	if diff := pretty.Compare(m, got); diff != "" {
		t.Fatalf("CallMessage round trip mismatch (-want +got):\n%s", diff)
	}
}

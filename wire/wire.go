// Package wire defines the on-wire frame layout shared by every Fusion
// transport backend. The numeric identity of the message types and the
// field layout of the headers are a contract with existing persisted
// state (spec.md §6) and must not change.
package wire

import (
	"encoding/binary"
	"fmt"
)

// MsgType identifies the kind of a frame's payload.
type MsgType uint32

// Message type constants. Numeric values are part of the wire contract.
const (
	MsgSend    MsgType = 1
	MsgEnter   MsgType = 2
	MsgLeave   MsgType = 3
	MsgCall    MsgType = 4
	MsgReactor MsgType = 5
	MsgShmPool MsgType = 6
	MsgCall3   MsgType = 7
)

func (t MsgType) String() string {
	switch t {
	case MsgSend:
		return "SEND"
	case MsgEnter:
		return "ENTER"
	case MsgLeave:
		return "LEAVE"
	case MsgCall:
		return "CALL"
	case MsgReactor:
		return "REACTOR"
	case MsgShmPool:
		return "SHMPOOL"
	case MsgCall3:
		return "CALL3"
	default:
		return fmt.Sprintf("MsgType(%d)", uint32(t))
	}
}

// HeaderSize is the size in bytes of Header on the wire.
const HeaderSize = 16

// Header is the fixed-size prefix of every frame. Fields are little-endian
// on the wire, matching the host byte order of every platform this runtime
// targets.
type Header struct {
	Type    MsgType
	ID      uint32
	Channel uint32
	Size    uint32 // total frame size, header included
}

// Encode writes the header to the front of buf, which must be at least
// HeaderSize bytes long.
func (h Header) Encode(buf []byte) {
	binary.LittleEndian.PutUint32(buf[0:4], uint32(h.Type))
	binary.LittleEndian.PutUint32(buf[4:8], h.ID)
	binary.LittleEndian.PutUint32(buf[8:12], h.Channel)
	binary.LittleEndian.PutUint32(buf[12:16], h.Size)
}

// DecodeHeader parses a header from the front of buf.
func DecodeHeader(buf []byte) (Header, error) {
	if len(buf) < HeaderSize {
		return Header{}, fmt.Errorf("wire: short header (%d bytes)", len(buf))
	}
	return Header{
		Type:    MsgType(binary.LittleEndian.Uint32(buf[0:4])),
		ID:      binary.LittleEndian.Uint32(buf[4:8]),
		Channel: binary.LittleEndian.Uint32(buf[8:12]),
		Size:    binary.LittleEndian.Uint32(buf[12:16]),
	}, nil
}

// AlignedSize rounds n up to the next 4-byte boundary, the alignment the
// next frame in a batch starts at.
func AlignedSize(n uint32) uint32 {
	return (n + 3) &^ 3
}

// Frame is a fully decoded message: its header plus whatever payload
// follows it (possibly empty, e.g. for SEND).
type Frame struct {
	Header  Header
	Payload []byte
}

// CallMessageSize is the size in bytes of CallMessage on the wire.
const CallMessageSize = 32

// CallMessage is the payload of a CALL frame.
type CallMessage struct {
	CallID  uint32
	Caller  uint32 // 0 means the call originated in kernel space
	CallArg uint32
	RetVal  int32
	Serial  uint32
	_       [12]byte // reserved, keeps CallMessageSize a 4-word multiple
}

// Encode writes the call message to the front of buf.
func (m CallMessage) Encode(buf []byte) {
	binary.LittleEndian.PutUint32(buf[0:4], m.CallID)
	binary.LittleEndian.PutUint32(buf[4:8], m.Caller)
	binary.LittleEndian.PutUint32(buf[8:12], m.CallArg)
	binary.LittleEndian.PutUint32(buf[12:16], uint32(m.RetVal))
	binary.LittleEndian.PutUint32(buf[16:20], m.Serial)
}

// DecodeCallMessage parses a CallMessage from the front of buf.
func DecodeCallMessage(buf []byte) (CallMessage, error) {
	if len(buf) < CallMessageSize {
		return CallMessage{}, fmt.Errorf("wire: short call message (%d bytes)", len(buf))
	}
	return CallMessage{
		CallID:  binary.LittleEndian.Uint32(buf[0:4]),
		Caller:  binary.LittleEndian.Uint32(buf[4:8]),
		CallArg: binary.LittleEndian.Uint32(buf[8:12]),
		RetVal:  int32(binary.LittleEndian.Uint32(buf[12:16])),
		Serial:  binary.LittleEndian.Uint32(buf[16:20]),
	}, nil
}

// Call3MessageSize is the size in bytes of Call3Message on the wire,
// CallMessage plus the return-buffer descriptor.
const Call3MessageSize = CallMessageSize + 16

// Call3Message is the payload of a CALL3 frame: a CallMessage extended
// with a descriptor for a buffer the caller wants the return value
// written into.
type Call3Message struct {
	CallMessage
	RetPtr    uint64
	RetSize   uint32
	RetLength uint32
}

// DecodeCall3Message parses a Call3Message from the front of buf.
func DecodeCall3Message(buf []byte) (Call3Message, error) {
	if len(buf) < Call3MessageSize {
		return Call3Message{}, fmt.Errorf("wire: short call3 message (%d bytes)", len(buf))
	}
	cm, err := DecodeCallMessage(buf)
	if err != nil {
		return Call3Message{}, err
	}
	return Call3Message{
		CallMessage: cm,
		RetPtr:      binary.LittleEndian.Uint64(buf[32:40]),
		RetSize:     binary.LittleEndian.Uint32(buf[40:44]),
		RetLength:   binary.LittleEndian.Uint32(buf[44:48]),
	}, nil
}

// LeaveMessageSize is the size in bytes of LeaveMessage on the wire.
const LeaveMessageSize = 4

// LeaveMessage is the payload of a LEAVE frame.
type LeaveMessage struct {
	ParticipantID uint32
}

// Encode writes the leave message to the front of buf.
func (m LeaveMessage) Encode(buf []byte) {
	binary.LittleEndian.PutUint32(buf[0:4], m.ParticipantID)
}

// DecodeLeaveMessage parses a LeaveMessage from the front of buf.
func DecodeLeaveMessage(buf []byte) (LeaveMessage, error) {
	if len(buf) < LeaveMessageSize {
		return LeaveMessage{}, fmt.Errorf("wire: short leave message (%d bytes)", len(buf))
	}
	return LeaveMessage{ParticipantID: binary.LittleEndian.Uint32(buf[0:4])}, nil
}

// MaxFrameBytes is the largest single frame this runtime will decode.
// The dispatcher reads from its transport into batch buffers of
// 4*MaxFrameBytes, per spec.md §4.1.
const MaxFrameBytes = 1 << 16

// SplitFrames walks a batch of bytes read from a transport, yielding each
// decoded frame in arrival order. It is the single place that implements
// the "next frame starts at (header.size+3)&^3" rule from spec.md §3, so
// every backend decodes batches identically.
func SplitFrames(batch []byte) ([]Frame, error) {
	var frames []Frame
	for off := 0; off < len(batch); {
		hdr, err := DecodeHeader(batch[off:])
		if err != nil {
			return frames, err
		}
		if hdr.Size < HeaderSize {
			return frames, fmt.Errorf("wire: frame at offset %d claims size %d (< header size)", off, hdr.Size)
		}
		end := off + int(hdr.Size)
		if end > len(batch) {
			return frames, fmt.Errorf("wire: frame at offset %d claims size %d, only %d bytes remain", off, hdr.Size, len(batch)-off)
		}
		frames = append(frames, Frame{
			Header:  hdr,
			Payload: batch[off+HeaderSize : end],
		})
		off += int(AlignedSize(hdr.Size))
	}
	return frames, nil
}

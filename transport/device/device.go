// Package device implements the kernel-character-device Fusion transport
// backend: /dev/fusion<N>, opened O_EXCL to request the master role, with
// Enter/Fork/Leave driven by ioctls (spec.md §4.1 backend 1, §6).
package device

import (
	"fmt"
	"os"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/fusion-ipc/fusion/transport"
	"github.com/fusion-ipc/fusion/wire"
)

// ioctl direction/encoding constants, following Linux's
// asm-generic/ioctl.h layout (dir:2 | size:14 | type:8 | nr:8), the same
// encoding go-ublk's internal/uapi.IoctlEncode uses for its control
// device.
const (
	iocWrite     = 1
	iocRead      = 2
	iocTypeShift = 8
	iocSizeShift = iocTypeShift + 8
	iocDirShift  = iocSizeShift + 14
)

// ioctlEncode builds an ioctl request number for /dev/fusion<N>.
func ioctlEncode(dir, typ, nr, size uint32) uint {
	return uint((dir << iocDirShift) | (size << iocSizeShift) | (typ << iocTypeShift) | nr)
}

// Ioctl request numbers for /dev/fusion<N>, matching the names in spec.md
// §6. The magic type byte and sequence numbers are local to this
// implementation (this is a new driver ABI, not a reproduction of an
// existing one) but the grouping and naming follow the spec's list
// exactly.
const ioctlMagic = 'F'

var (
	ioctlEnter           = ioctlEncode(iocRead|iocWrite, ioctlMagic, 1, 24)
	ioctlFork            = ioctlEncode(iocRead|iocWrite, ioctlMagic, 2, 24)
	ioctlKill            = ioctlEncode(iocWrite, ioctlMagic, 3, 16)
	ioctlSendMessage     = ioctlEncode(iocWrite, ioctlMagic, 4, 16)
	ioctlGetFusioneeInfo = ioctlEncode(iocRead, ioctlMagic, 5, 16)
	ioctlShmGetBase      = ioctlEncode(iocRead, ioctlMagic, 6, 8)
	ioctlSync            = ioctlEncode(0, ioctlMagic, 7, 0)
	ioctlUnblock         = ioctlEncode(0, ioctlMagic, 8, 0)
)

func init() {
	transport.Register(transport.BackendDevice, Open)
}

func devicePath(index int) string {
	return fmt.Sprintf("/dev/fusion%d", index)
}

// enterArg mirrors the FUSION_ENTER ioctl payload: role in, assigned
// participant id and negotiated ABI version out.
type enterArg struct {
	Role        uint32
	ABIVersion  uint32
	Participant uint32
	WorldIndex  uint32
	_           [8]byte // reserved
}

type endpoint struct {
	fd     int
	id     uint32
	nonblk bool
}

// Open opens the kernel device for worldIndex, requesting exclusive
// (master) access with O_EXCL when role is RoleMaster, then issues the
// ENTER ioctl to complete the handshake and learn the assigned
// participant id.
func Open(worldIndex int, role transport.Role, _ transport.OpenEnv) (transport.Endpoint, error) {
	flags := os.O_RDWR | unix.O_CLOEXEC
	if role == transport.RoleMaster {
		flags |= unix.O_EXCL
	}

	fd, err := unix.Open(devicePath(worldIndex), flags, 0)
	if err != nil {
		if err == unix.EBUSY && role == transport.RoleMaster {
			return nil, transport.ErrDestroyed
		}
		if err == unix.ENOENT {
			return nil, fmt.Errorf("device: %s: %w", devicePath(worldIndex), os.ErrNotExist)
		}
		return nil, fmt.Errorf("device: open %s: %w", devicePath(worldIndex), err)
	}

	arg := enterArg{Role: uint32(role), WorldIndex: uint32(worldIndex)}
	if err := ioctl(fd, ioctlEnter, &arg); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("device: ENTER ioctl: %w", err)
	}

	return &endpoint{fd: fd, id: arg.Participant}, nil
}

func ioctl(fd int, req uint, arg *enterArg) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), uintptr(req), uintptr(unsafe.Pointer(arg)))
	if errno != 0 {
		return errno
	}
	return nil
}

func (e *endpoint) Send(frame wire.Frame, addr transport.Addr) error {
	buf := make([]byte, wire.HeaderSize+len(frame.Payload))
	frame.Header.Size = uint32(len(buf))
	frame.Header.Encode(buf)
	copy(buf[wire.HeaderSize:], frame.Payload)

	for {
		_, err := unix.Write(e.fd, buf)
		switch err {
		case nil:
			return nil
		case unix.EINTR:
			continue
		case unix.ECONNREFUSED:
			return transport.ErrDestroyed
		default:
			return fmt.Errorf("device: write: %w", err)
		}
	}
}

func (e *endpoint) Recv(buf []byte) (int, error) {
	for {
		n, err := unix.Read(e.fd, buf)
		switch err {
		case nil:
			return n, nil
		case unix.EINTR:
			continue
		case unix.ENODEV, unix.ECONNREFUSED, unix.EBADF:
			return 0, transport.ErrDestroyed
		default:
			return n, fmt.Errorf("device: read: %w", err)
		}
	}
}

func (e *endpoint) Unblock() error {
	return ioctlSimple(e.fd, ioctlUnblock)
}

func (e *endpoint) Sync() error {
	return ioctlSimple(e.fd, ioctlSync)
}

func ioctlSimple(fd int, req uint) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), uintptr(req), 0)
	if errno != 0 {
		return errno
	}
	return nil
}

func (e *endpoint) Close() error {
	return unix.Close(e.fd)
}

// ID returns the participant id the kernel assigned during ENTER, per
// transport.ParticipantIDer.
func (e *endpoint) ID() uint32 { return e.id }

// Package socket implements the datagram-socket Fusion transport backend:
// AF_UNIX sockets rooted at /tmp/.fusion-<N>/<hex-id>, with the master
// owning id 1 and slaves probing upward for the next free id (spec.md
// §4.1, backend 2, and §6).
package socket

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/fusion-ipc/fusion/transport"
	"github.com/fusion-ipc/fusion/wire"
)

// MasterID is the fixed participant id the master binds, per spec.md §6.
const MasterID uint32 = 1

const defaultTmpfsBase = "/tmp"

func init() {
	transport.Register(transport.BackendSocket, Open)
}

func worldDir(index int, env transport.OpenEnv) string {
	base := env.TmpfsPath
	if base == "" {
		base = defaultTmpfsBase
	}
	return filepath.Join(base, fmt.Sprintf(".fusion-%d", index))
}

func participantPath(dir string, id uint32) string {
	return filepath.Join(dir, strconv.FormatUint(uint64(id), 16))
}

type endpoint struct {
	dir string
	id  uint32
	fd  int

	mu    sync.Mutex
	peers map[uint32]string // participant id -> socket path, learned from traffic
}

// Open binds a socket under worldDir(index) and, for slave/any roles,
// performs the stale-master probe described in spec.md §8: if the first
// ENTER send to the master's socket is refused, the world directory is
// assumed stale (the master process is dead), cleaned up, and the whole
// probe is retried exactly once.
func Open(index int, role transport.Role, env transport.OpenEnv) (transport.Endpoint, error) {
	dir := worldDir(index, env)

	if role == transport.RoleMaster || role == transport.RoleAny {
		ep, err := bindMaster(dir, env)
		if err == nil {
			return ep, nil
		}
		if role == transport.RoleMaster {
			return nil, err
		}
		// RoleAny: someone else is already master, fall through to joining
		// as a slave.
	} else if _, statErr := os.Stat(dir); statErr != nil {
		return nil, transport.ErrDestroyed
	}

	ep, err := joinAsSlave(dir, env)
	if err == transport.ErrDestroyed {
		// Stale master: clean the directory and retry exactly once.
		os.RemoveAll(dir)
		return joinAsSlave(dir, env)
	}
	return ep, err
}

func bindMaster(dir string, env transport.OpenEnv) (*endpoint, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("socket: mkdir %s: %w", dir, err)
	}
	if env.Secure {
		os.Chmod(dir, 0700)
	}

	path := participantPath(dir, MasterID)
	fd, err := bindSocket(path)
	if err != nil {
		return nil, err
	}
	return &endpoint{dir: dir, id: MasterID, fd: fd, peers: map[uint32]string{}}, nil
}

func joinAsSlave(dir string, env transport.OpenEnv) (*endpoint, error) {
	if _, err := os.Stat(dir); err != nil {
		return nil, transport.ErrDestroyed
	}

	var fd int
	var id uint32
	var err error
	for candidate := MasterID + 1; ; candidate++ {
		fd, err = bindSocket(participantPath(dir, candidate))
		if err == nil {
			id = candidate
			break
		}
		if !os.IsExist(err) {
			return nil, fmt.Errorf("socket: bind: %w", err)
		}
	}

	ep := &endpoint{dir: dir, id: id, fd: fd, peers: map[uint32]string{MasterID: participantPath(dir, MasterID)}}

	// Probe the master with an ENTER frame. A refused send means the
	// master's process is gone and the directory is stale.
	probe := wire.Frame{Header: wire.Header{Type: wire.MsgEnter, ID: id}}
	if err := ep.Send(probe, transport.Addr{ParticipantID: MasterID}); err != nil {
		ep.Close()
		if err == transport.ErrDestroyed {
			return nil, transport.ErrDestroyed
		}
		return nil, err
	}

	return ep, nil
}

func bindSocket(path string) (int, error) {
	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_RAW, 0)
	if err != nil {
		return -1, fmt.Errorf("socket: socket(2): %w", err)
	}
	addr := &unix.SockaddrUnix{Name: path}
	if err := unix.Bind(fd, addr); err != nil {
		unix.Close(fd)
		if err == unix.EADDRINUSE || os.IsExist(err) {
			return -1, os.ErrExist
		}
		return -1, fmt.Errorf("socket: bind(2) %s: %w", path, err)
	}
	return fd, nil
}

func (e *endpoint) pathFor(addr transport.Addr) (string, bool) {
	if addr.Path != "" {
		return addr.Path, true
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	p, ok := e.peers[addr.ParticipantID]
	return p, ok
}

func (e *endpoint) Send(frame wire.Frame, addr transport.Addr) error {
	buf := make([]byte, wire.HeaderSize+len(frame.Payload))
	frame.Header.Size = uint32(len(buf))
	frame.Header.Encode(buf)
	copy(buf[wire.HeaderSize:], frame.Payload)

	if addr == transport.Broadcast {
		e.mu.Lock()
		paths := make([]string, 0, len(e.peers))
		for _, p := range e.peers {
			paths = append(paths, p)
		}
		e.mu.Unlock()
		for _, p := range paths {
			if err := e.sendTo(p, buf); err != nil {
				return err
			}
		}
		return nil
	}

	path, ok := e.pathFor(addr)
	if !ok {
		return transport.ErrDestroyed
	}
	return e.sendTo(path, buf)
}

func (e *endpoint) sendTo(path string, buf []byte) error {
	for {
		err := unix.Sendto(e.fd, buf, 0, &unix.SockaddrUnix{Name: path})
		switch err {
		case nil:
			return nil
		case unix.EINTR:
			continue
		case unix.ECONNREFUSED, unix.ENOENT:
			return transport.ErrDestroyed
		default:
			return fmt.Errorf("socket: sendto %s: %w", path, err)
		}
	}
}

func (e *endpoint) Recv(buf []byte) (int, error) {
	for {
		n, from, err := unix.Recvfrom(e.fd, buf, 0)
		switch err {
		case nil:
		case unix.EINTR:
			continue
		case unix.ECONNREFUSED, unix.EBADF:
			return 0, transport.ErrDestroyed
		default:
			return 0, fmt.Errorf("socket: recvfrom: %w", err)
		}

		if su, ok := from.(*unix.SockaddrUnix); ok && su.Name != "" {
			e.learnPeer(su.Name, buf[:n])
		}
		return n, nil
	}
}

// learnPeer records the mapping from a frame's claimed sender id (the ENTER
// header's ID field) to the socket path it actually arrived from, so future
// Sends addressed by participant id alone can find it. Other frame types
// are skipped, since a CALL header's ID is a correlation id, not a sender.
func (e *endpoint) learnPeer(path string, batch []byte) {
	frames, err := wire.SplitFrames(batch)
	if err != nil || len(frames) == 0 || frames[0].Header.Type != wire.MsgEnter {
		return
	}
	id := frames[0].Header.ID
	if id == 0 {
		return
	}
	e.mu.Lock()
	e.peers[id] = path
	e.mu.Unlock()
}

func (e *endpoint) Unblock() error {
	// Sending a zero-length SEND frame to ourselves wakes a blocked
	// Recvfrom; the dispatcher treats the SEND as a wake-up only.
	self := participantPath(e.dir, e.id)
	return e.sendTo(self, func() []byte {
		buf := make([]byte, wire.HeaderSize)
		wire.Header{Type: wire.MsgSend, Size: wire.HeaderSize}.Encode(buf)
		return buf
	}())
}

func (e *endpoint) Sync() error {
	// Datagram sockets have no separate flush step; delivery order is
	// already FIFO per spec.md §5.
	return nil
}

func (e *endpoint) Close() error {
	path := participantPath(e.dir, e.id)
	err := unix.Close(e.fd)
	os.Remove(path)
	return err
}

// ID returns the participant id this endpoint bound, per
// transport.ParticipantIDer.
func (e *endpoint) ID() uint32 { return e.id }

// RemoveWorld deletes the whole world directory, per
// transport.WorldRemover. Only the master should call this, and only once
// it knows it is the last participant leaving.
func (e *endpoint) RemoveWorld() error {
	return os.RemoveAll(e.dir)
}

// PollLiveness implements transport.LivenessPoller: a goroutine wakes every
// interval, snapshots the peers this endpoint has learned from traffic, and
// kill(pid, 0)s each one, since a SIGKILLed participant's socket stays
// bound but never sends LEAVE (spec.md §4.4's `_fusion_check_locals`). Any
// peer found dead is forgotten and reported to onDead exactly once.
func (e *endpoint) PollLiveness(ctx context.Context, interval time.Duration, onDead func(participantID uint32)) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				e.pollOnce(onDead)
			}
		}
	}()
}

func (e *endpoint) pollOnce(onDead func(participantID uint32)) {
	e.mu.Lock()
	ids := make([]uint32, 0, len(e.peers))
	for id := range e.peers {
		if id == e.id {
			continue
		}
		ids = append(ids, id)
	}
	e.mu.Unlock()

	for _, id := range ids {
		if err := unix.Kill(int(id), 0); err != unix.ESRCH {
			continue
		}
		e.mu.Lock()
		delete(e.peers, id)
		e.mu.Unlock()
		onDead(id)
	}
}

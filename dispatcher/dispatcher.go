// Package dispatcher implements the per-world receive loop (spec.md §4.3):
// it decodes frames off a transport.Endpoint and routes them to call
// handlers, the reactor registry, the SHM pool registry, or the reference
// federation's LEAVE handling, deferring destructor-class calls to a
// second thread when configured to do so.
package dispatcher

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/jacobsa/reqtrace"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/fusion-ipc/fusion"
	"github.com/fusion-ipc/fusion/internal/buffer"
	"github.com/fusion-ipc/fusion/sharedroot"
	"github.com/fusion-ipc/fusion/transport"
	"github.com/fusion-ipc/fusion/wire"
)

// CallHandler answers a CALL frame's call_id with a return value, per
// spec.md §4.4's world-refs call and any world-level call a user registers
// at master init.
type CallHandler func(caller uint32, arg uint32) (ret int32, err error)

// LeaveHandler is notified when a participant leaves or is detected dead,
// so the reference federation (package reffed) can collect its references
// without dispatcher importing reffed directly.
type LeaveHandler interface {
	HandleLeave(participantID uint32)
}

// Config controls dispatcher policy that spec.md §4.3/§9 leaves as a
// tunable rather than a fixed behavior.
type Config struct {
	// DeferDestructors, when true, routes every CALL with caller==0 to the
	// deferred thread instead of running it inline on the dispatcher
	// thread (spec.md §4.3).
	DeferDestructors bool

	// DeferredQueueCap bounds the deferred queue (spec.md §9). Zero means
	// DefaultDeferredQueueCap.
	DeferredQueueCap int64
}

// Metrics holds the prometheus collectors a Dispatcher updates as it runs,
// matching the frames-processed-counter / deferred-queue-depth-gauge idiom
// SPEC_FULL.md's domain stack calls for.
type Metrics struct {
	FramesProcessed prometheus.Counter
	DeferredDepth   prometheus.Gauge
	LeaveEvents     prometheus.Counter
}

// NewMetrics constructs a Metrics with the given label values, registering
// nothing — callers decide whether/where to register with a prometheus
// Registry.
func NewMetrics(worldIndex int) *Metrics {
	labels := prometheus.Labels{"world": fmt.Sprintf("%d", worldIndex)}
	return &Metrics{
		FramesProcessed: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "fusion_dispatcher_frames_processed_total",
			Help:        "Frames decoded and routed by the dispatcher.",
			ConstLabels: labels,
		}),
		DeferredDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "fusion_dispatcher_deferred_queue_depth",
			Help:        "Items currently queued for the deferred thread.",
			ConstLabels: labels,
		}),
		LeaveEvents: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "fusion_dispatcher_leave_events_total",
			Help:        "LEAVE frames processed.",
			ConstLabels: labels,
		}),
	}
}

// Dispatcher is the per-world receive loop plus its supporting state:
// registered call handlers, the reactor registry, the SHM pool registry,
// the dispatch-cleanup list, and (if configured) the deferred thread.
type Dispatcher struct {
	ep       transport.Endpoint
	selfID   uint32
	isMaster bool
	cfg      Config
	metrics  *Metrics

	Cleanups *CleanupList
	Reactors *ReactorRegistry
	Pools    *sharedroot.PoolRegistry

	callsMu sync.RWMutex
	calls   map[uint32]CallHandler

	pendingMu sync.Mutex
	pending   map[uint32]chan wire.CallMessage
	nextCorr  uint32

	leaveHandler LeaveHandler

	deferred *deferredQueue

	batches *buffer.InBatchPool
	outMsgs *buffer.OutMessagePool

	stopped atomic.Bool
}

// New constructs a Dispatcher reading from ep. selfID is this participant's
// id (used to address replies); isMaster controls LEAVE handling (spec.md
// §4.3: "if master, iterate local refs-map...").
func New(ep transport.Endpoint, selfID uint32, isMaster bool, cfg Config) *Dispatcher {
	if cfg.DeferredQueueCap <= 0 {
		cfg.DeferredQueueCap = DefaultDeferredQueueCap
	}
	d := &Dispatcher{
		ep:       ep,
		selfID:   selfID,
		isMaster: isMaster,
		cfg:      cfg,
		metrics:  NewMetrics(int(selfID)),
		Cleanups: &CleanupList{},
		Reactors: NewReactorRegistry(),
		Pools:    sharedroot.NewPoolRegistry(),
		calls:    map[uint32]CallHandler{},
		pending:  map[uint32]chan wire.CallMessage{},
		deferred: newDeferredQueue(cfg.DeferredQueueCap),
		batches:  buffer.NewInBatchPool(4 * wire.MaxFrameBytes),
		outMsgs:  buffer.NewOutMessagePool(0),
		nextCorr: 1,
	}
	return d
}

// RegisterCall installs the handler invoked for inbound CALL/CALL3 frames
// with the given call id. World-level calls (spec.md §4.4's world-refs
// call) are registered this way at master init.
func (d *Dispatcher) RegisterCall(callID uint32, h CallHandler) {
	d.callsMu.Lock()
	defer d.callsMu.Unlock()
	d.calls[callID] = h
}

// SetLeaveHandler installs the callback invoked on LEAVE, typically
// reffed.Federation.
func (d *Dispatcher) SetLeaveHandler(h LeaveHandler) {
	d.leaveHandler = h
}

// Call sends a CALL frame to dest and blocks for its reply, or until ctx is
// done. This is the client half of spec.md §4.4's cross-process call: the
// correlation id travels in the frame header's ID field (distinct from
// CallMessage.Caller, which carries the calling participant's id).
func (d *Dispatcher) Call(ctx context.Context, dest uint32, callID uint32, arg uint32) (int32, error) {
	var report func(error)
	if reqtrace.Enabled() {
		_, report = reqtrace.StartSpan(ctx, fmt.Sprintf("fusion.Call(%d)", callID))
	}

	corr := atomic.AddUint32(&d.nextCorr, 1)
	replyCh := make(chan wire.CallMessage, 1)

	d.pendingMu.Lock()
	d.pending[corr] = replyCh
	d.pendingMu.Unlock()

	defer func() {
		d.pendingMu.Lock()
		delete(d.pending, corr)
		d.pendingMu.Unlock()
	}()

	msg := wire.CallMessage{CallID: callID, Caller: d.selfID, CallArg: arg}
	out := d.outMsgs.Get()
	defer d.outMsgs.Put(out)
	msg.Encode(out.Grow(wire.CallMessageSize))

	frame := wire.Frame{Header: wire.Header{Type: wire.MsgCall, ID: corr}, Payload: out.Bytes()}
	if err := d.ep.Send(frame, transport.Addr{ParticipantID: dest}); err != nil {
		if report != nil {
			report(err)
		}
		if err == transport.ErrDestroyed {
			return 0, fusion.NewError("Call", fusion.Destroyed, err)
		}
		return 0, fusion.NewError("Call", fusion.Io, err)
	}

	select {
	case reply := <-replyCh:
		if report != nil {
			report(nil)
		}
		return reply.RetVal, nil
	case <-ctx.Done():
		if report != nil {
			report(ctx.Err())
		}
		return 0, fusion.NewError("Call", fusion.Timeout, ctx.Err())
	}
}

// Run executes the receive loop until Recv returns an error: ErrDestroyed
// (StopDispatcher closes the endpoint to get there) ends it with nil, any
// other error ends it with an Io error. Cancelling ctx stops only the
// deferred loop; the receive loop does not watch ctx. It joins the deferred thread via an
// errgroup, the way mounted_file_system.go's Join waits on the background
// ServeOps goroutine in the teacher.
func (d *Dispatcher) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		runDeferredLoop(ctx, d.deferred, d.handleDeferred)
		return nil
	})

	g.Go(func() error {
		defer d.deferred.close()
		return d.recvLoop()
	})

	return g.Wait()
}

// Stop marks the dispatcher stopped; subsequent frames read before the
// transport actually closes are drained and silently discarded, per
// spec.md §4.3's cancellation semantics.
func (d *Dispatcher) Stop() {
	d.stopped.Store(true)
}

// Resume clears a Stop, letting a dispatcher quiesced around a fork (spec.md
// §4.2's fork "parent" step: "cancel dispatcher to prevent double-consumption
// in the child") go back to dispatching frames in the parent process once
// the fork is complete.
func (d *Dispatcher) Resume() {
	d.stopped.Store(false)
}

func (d *Dispatcher) recvLoop() error {
	for {
		batch := d.batches.Get()
		err := batch.FillFrom(d.ep.Recv)
		if err != nil {
			d.batches.Put(batch)
			if err == transport.ErrDestroyed {
				return nil
			}
			return fusion.NewError("Dispatcher.Run", fusion.Io, err)
		}
		if d.stopped.Load() {
			d.batches.Put(batch)
			continue
		}
		if len(batch.Bytes()) == 0 {
			d.batches.Put(batch)
			continue // SEND wake-up or Unblock with no payload
		}

		frames, splitErr := wire.SplitFrames(batch.Bytes())
		for _, f := range frames {
			d.dispatchFrame(f)
		}
		d.batches.Put(batch)
		d.Cleanups.RunAll()
		if splitErr != nil {
			fusion.Debugf("dispatcher: partial batch decode: %v", splitErr)
		}
	}
}

func (d *Dispatcher) dispatchFrame(f wire.Frame) {
	d.metrics.FramesProcessed.Inc()

	switch f.Header.Type {
	case wire.MsgSend:
		// Wake-up only.

	case wire.MsgLeave:
		lm, err := wire.DecodeLeaveMessage(f.Payload)
		if err != nil {
			return
		}
		d.metrics.LeaveEvents.Inc()
		d.Pools.DetachAll(lm.ParticipantID)
		if d.isMaster && d.leaveHandler != nil {
			d.leaveHandler.HandleLeave(lm.ParticipantID)
		}

	case wire.MsgReactor:
		if len(f.Payload) < 8 {
			return
		}
		key := ReactorKey{
			ObjectID:  f.Header.ID,
			ChannelID: f.Header.Channel,
		}
		d.Reactors.Dispatch(key, f.Payload)

	case wire.MsgShmPool:
		d.handleShmPool(f)

	case wire.MsgCall, wire.MsgCall3:
		d.handleCallFrame(f)
	}
}

func (d *Dispatcher) handleCallFrame(f wire.Frame) {
	cm, err := wire.DecodeCallMessage(f.Payload)
	if err != nil {
		return
	}

	// Is this the reply to a call we issued?
	d.pendingMu.Lock()
	ch, isReply := d.pending[f.Header.ID]
	d.pendingMu.Unlock()
	if isReply {
		select {
		case ch <- cm:
		default:
		}
		return
	}

	if cm.Caller == 0 {
		d.Cleanups.RunAll()
		if d.cfg.DeferDestructors {
			d.metrics.DeferredDepth.Inc()
			if err := d.deferred.push(f.Header, cm); err != nil {
				fusion.Debugf("dispatcher: deferred queue overflow, running inline: %v", err)
				d.handleDeferred(f.Header, cm)
			}
			return
		}
	}

	d.processCall(f.Header, cm)
}

func (d *Dispatcher) handleDeferred(hdr wire.Header, cm wire.CallMessage) {
	d.metrics.DeferredDepth.Dec()
	d.processCall(hdr, cm)
	// Cleanups registered by the destructor this call just ran run here, on
	// the deferred thread, rather than waiting for the dispatcher thread's
	// own end-of-buffer drain (spec.md §9's open question on this).
	d.Cleanups.RunAll()
}

// processCall looks up and invokes the registered handler for cm.CallID,
// then replies to the caller with the result, unless cm.Caller is 0 (a
// kernel-originated call expects no reply).
func (d *Dispatcher) processCall(hdr wire.Header, cm wire.CallMessage) {
	d.callsMu.RLock()
	h, ok := d.calls[cm.CallID]
	d.callsMu.RUnlock()

	var ret int32
	var err error
	if ok {
		ret, err = h(cm.Caller, cm.CallArg)
	} else {
		err = fusion.NewError("Dispatcher.processCall", fusion.Unsupported, fmt.Errorf("no handler for call id %d", cm.CallID))
	}
	if err != nil {
		fusion.Debugf("dispatcher: call %d failed: %v", cm.CallID, err)
	}

	if cm.Caller == 0 {
		return
	}

	reply := wire.CallMessage{CallID: cm.CallID, Caller: 0, CallArg: cm.CallArg, RetVal: ret, Serial: cm.Serial}
	buf := make([]byte, wire.CallMessageSize)
	reply.Encode(buf)
	frame := wire.Frame{Header: wire.Header{Type: wire.MsgCall, ID: hdr.ID}, Payload: buf}
	if sendErr := d.ep.Send(frame, transport.Addr{ParticipantID: cm.Caller}); sendErr != nil {
		fusion.Debugf("dispatcher: reply to %d failed: %v", cm.Caller, sendErr)
	}
}

// shmPoolMessage mirrors the fixed-size payload of a SHMPOOL frame: an
// action (attach=1, detach=2) plus the fields Attach/Detach need.
type shmPoolMessage struct {
	Action  uint32
	PoolID  uint32
	Owner   uint32
	Length  uint64
	Address uint64
}

const shmPoolMessageSize = 4 + 4 + 4 + 8 + 8

func decodeShmPoolMessage(buf []byte) (shmPoolMessage, bool) {
	if len(buf) < shmPoolMessageSize {
		return shmPoolMessage{}, false
	}
	return shmPoolMessage{
		Action:  le32(buf[0:4]),
		PoolID:  le32(buf[4:8]),
		Owner:   le32(buf[8:12]),
		Length:  le64(buf[12:20]),
		Address: le64(buf[20:28]),
	}, true
}

func le32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

func le64(b []byte) uint64 {
	var v uint64
	for i := 0; i < 8; i++ {
		v |= uint64(b[i]) << (8 * i)
	}
	return v
}

const (
	shmPoolAttach = 1
	shmPoolDetach = 2
)

func (d *Dispatcher) handleShmPool(f wire.Frame) {
	msg, ok := decodeShmPoolMessage(f.Payload)
	if !ok {
		return
	}
	switch msg.Action {
	case shmPoolAttach:
		d.Pools.Attach(msg.Owner, msg.Length, uintptr(msg.Address))
	case shmPoolDetach:
		if err := d.Pools.Detach(msg.PoolID); err != nil {
			fusion.Debugf("dispatcher: detach pool %d: %v", msg.PoolID, err)
		}
	}
}

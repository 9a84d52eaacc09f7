package main

import (
	"time"

	"github.com/fusion-ipc/fusion/card"
)

// standInDriver is a software stand-in for card.Driver: it accepts every
// primitive, "emits" by sleeping sleepPerOp to simulate device time, and
// never needs a real command stream. Bench numbers produced against it
// measure the serializer's own bookkeeping overhead, not any real GPU.
type standInDriver struct {
	sleepPerOp time.Duration
	queued     int
}

func newStandInDriver(sleepPerOp time.Duration) *standInDriver {
	return &standInDriver{sleepPerOp: sleepPerOp}
}

func (d *standInDriver) CheckState(state *card.State, primitive card.Primitive) (checked, accel card.OpMask) {
	all := card.OpFillRectangle | card.OpDrawRectangle | card.OpFillTriangle | card.OpBlit
	return all, all
}

func (d *standInDriver) SetState(state *card.State, primitive card.Primitive) error {
	return nil
}

func (d *standInDriver) EmitCommands() error {
	if d.queued > 0 {
		time.Sleep(time.Duration(d.queued) * d.sleepPerOp)
		d.queued = 0
	}
	return nil
}

func (d *standInDriver) Sync() error {
	return nil
}

func (d *standInDriver) Reset() {
	d.queued = 0
}

func (d *standInDriver) GetSerial(allocation card.AllocationID) (card.Serial, error) {
	return card.Serial(allocation), nil
}

func (d *standInDriver) CanAccelerateSystemMemory() bool {
	return true
}

// QueueFillRectangle implements card.RectangleEmitter so
// card.FillRectangles takes the hardware path instead of falling back to
// software rasterization.
func (d *standInDriver) QueueFillRectangle(x, y, w, h int, color uint32) error {
	d.queued++
	return nil
}

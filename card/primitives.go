package card

import (
	"github.com/fusion-ipc/fusion"
	"github.com/fusion-ipc/fusion/card/swfallback"
)

// Color is an opaque, already format-converted pixel value, matching the
// granularity swfallback.Rasterizer draws with.
type Color uint32

// FillRectangles implements the fill-rectangle primitive path described by
// spec.md §4.5: try StateCheckAcquire; if the driver cannot accelerate the
// op, fall through to the software rasterizer instead of failing the call
// outright.
func FillRectangles(s *Serializer, state *State, rects []Rect, color Color, sw swfallback.Rasterizer) error {
	if len(rects) == 0 {
		return nil
	}

	emitter, canEmit := s.driver.(RectangleEmitter)

	err := s.StateCheckAcquire(state, FillRectangle)
	switch {
	case err == nil && canEmit:
		return fillRectanglesHW(s, state, rects, color, emitter)
	case err == nil:
		// Driver accepted the state but offers no geometry-submission
		// seam; nothing to release but the locks StateCheckAcquire took.
		if _, relErr := s.StateRelease(state); relErr != nil {
			return relErr
		}
		return fillRectanglesSW(state, rects, color, sw)
	case fusion.HasCode(err, fusion.Unsupported):
		return fillRectanglesSW(state, rects, color, sw)
	default:
		return err
	}
}

func fillRectanglesHW(s *Serializer, state *State, rects []Rect, color Color, emitter RectangleEmitter) error {
	for _, r := range rects {
		clipped := r.Intersect(state.Clip)
		if clipped.W <= 0 || clipped.H <= 0 {
			continue
		}
		if err := emitter.QueueFillRectangle(clipped.X, clipped.Y, clipped.W, clipped.H, uint32(color)); err != nil {
			_, relErr := s.StateRelease(state)
			if relErr != nil {
				return relErr
			}
			return fusion.NewError("FillRectangles", fusion.Fusion, err)
		}
		s.root.SetPendingOps(true)
	}
	_, err := s.StateRelease(state)
	return err
}

func fillRectanglesSW(state *State, rects []Rect, color Color, sw swfallback.Rasterizer) error {
	if sw == nil {
		return fusion.NewError("FillRectangles", fusion.Unsupported, nil)
	}
	handle, err := sw.AcquireSurface(uint64(state.Destination.AllocationID))
	if err != nil {
		return fusion.NewError("FillRectangles", fusion.Io, err)
	}
	defer sw.ReleaseSurface(handle)

	for _, r := range rects {
		clipped := r.Intersect(state.Clip)
		if clipped.W <= 0 || clipped.H <= 0 {
			continue
		}
		swRect := swfallback.Rect{X: clipped.X, Y: clipped.Y, W: clipped.W, H: clipped.H}
		if err := sw.FillRectangle(handle, swRect, uint32(color)); err != nil {
			return fusion.NewError("FillRectangles", fusion.Io, err)
		}
	}
	return nil
}

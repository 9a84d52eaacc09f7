// Package swfallback defines the seam the graphics serializer calls into
// when the hardware driver refuses a primitive (spec.md §4.5's "fall
// through to software fallback via gAcquire/gFillRectangle/gRelease"). The
// rasterizer's own internals — pixel format conversion, actual scanline
// fill code — are deliberately excluded from this module's scope (spec.md
// §1); only the interface it plugs into is core.
package swfallback

// Rect is a destination-space rectangle, matching the granularity the
// graphics serializer clips against.
type Rect struct {
	X, Y, W, H int
}

// Rasterizer is the external collaborator a software fallback path
// acquires a destination surface from, draws into, and releases. A real
// rasterizer would back this with actual pixel-format-aware scanline code;
// this module only needs the seam to exist and be called at the right
// point in the serializer's primitive path.
type Rasterizer interface {
	// AcquireSurface locks allocation for direct CPU access, returning an
	// opaque handle passed to FillRectangle/ReleaseSurface.
	AcquireSurface(allocationID uint64) (handle any, err error)

	// FillRectangle draws rect on the surface behind handle with color
	// (an opaque, already-converted pixel value).
	FillRectangle(handle any, rect Rect, color uint32) error

	// ReleaseSurface releases a handle obtained from AcquireSurface.
	ReleaseSurface(handle any) error
}

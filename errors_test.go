package fusion_test

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/fusion-ipc/fusion"
)

func TestHasCodeUnwrapsWrappedErrors(t *testing.T) {
	base := fusion.NewError("Enter", fusion.Destroyed, nil)
	wrapped := fmt.Errorf("while entering world 0: %w", base)

	require.True(t, fusion.HasCode(wrapped, fusion.Destroyed))
	require.False(t, fusion.HasCode(wrapped, fusion.Timeout))
}

func TestErrorIsComparesCodeNotMessage(t *testing.T) {
	a := fusion.NewError("Enter", fusion.VersionMismatch, nil)
	b := fusion.NewError("Exit", fusion.VersionMismatch, fmt.Errorf("boom"))

	require.True(t, a.Is(b))
}

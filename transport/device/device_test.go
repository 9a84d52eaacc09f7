package device

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDevicePath(t *testing.T) {
	require.Equal(t, "/dev/fusion0", devicePath(0))
	require.Equal(t, "/dev/fusion7", devicePath(7))
}

func TestIoctlEncodeIsStableAndDistinct(t *testing.T) {
	seen := map[uint]string{}
	reqs := map[string]uint{
		"enter":    ioctlEnter,
		"fork":     ioctlFork,
		"kill":     ioctlKill,
		"sendmsg":  ioctlSendMessage,
		"getinfo":  ioctlGetFusioneeInfo,
		"shmbase":  ioctlShmGetBase,
		"sync":     ioctlSync,
		"unblock":  ioctlUnblock,
	}
	for name, req := range reqs {
		if prev, ok := seen[req]; ok {
			t.Fatalf("ioctl request number collision between %s and %s: %#x", name, prev, req)
		}
		seen[req] = name
	}
}

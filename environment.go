package fusion

import (
	"os"
	"strconv"
)

// Environment is the small set of environment-variable overrides spec.md
// §6 calls out. This is deliberately not a general configuration-loading
// subsystem (spec.md §1 excludes that from the core) — just the four
// knobs the shared root and transport need at Enter time.
type Environment struct {
	// TmpfsPath overrides the directory that holds the shared-root backing
	// file and, in socket mode, the per-world socket directory. Empty means
	// the transport/sharedroot packages fall back to their own default
	// (typically /tmp).
	TmpfsPath string

	// SharedGID holds FUSION_SHARED_GID when it parses as an integer. No
	// package in this module reads it: files backing shared state are not
	// chowned to it.
	SharedGID *int

	// DebugSHM holds FUSION_DEBUG_SHM. No package in this module reads it,
	// so it changes no allocator behaviour.
	DebugSHM bool

	// Secure holds FUSION_SECURE. The socket backend receives it and then
	// chmods the world directory to 0700. It does not restrict the shared
	// root mapping: every participant that attaches it maps it read-write.
	Secure bool
}

// ReadEnvironment reads FUSION_TMPFS, FUSION_SHARED_GID, FUSION_DEBUG_SHM,
// and FUSION_SECURE from the process environment.
func ReadEnvironment() Environment {
	var env Environment
	env.TmpfsPath = os.Getenv("FUSION_TMPFS")
	env.DebugSHM = envBool("FUSION_DEBUG_SHM")
	env.Secure = envBool("FUSION_SECURE")
	if v, ok := os.LookupEnv("FUSION_SHARED_GID"); ok {
		if gid, err := strconv.Atoi(v); err == nil {
			env.SharedGID = &gid
		}
	}
	return env
}

func envBool(name string) bool {
	v := os.Getenv(name)
	return v == "1" || v == "true" || v == "yes"
}

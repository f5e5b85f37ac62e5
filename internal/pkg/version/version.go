package version

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"strconv"
	"strings"

	"github.com/endorses/sslkeylog/internal/pkg/constants"
)

var (
	// Version is the semantic version (injected at build time via ldflags)
	Version = "dev"

	// GitCommit is the git commit hash (injected at build time via ldflags)
	GitCommit = "unknown"

	// BuildDate is the build date (injected at build time via ldflags)
	BuildDate = "unknown"

	// GoVersion is the Go runtime version
	GoVersion = runtime.Version()
)

// GetVersion returns the full version string
func GetVersion() string {
	return Version
}

// GetFullVersion returns a detailed version string with build info
func GetFullVersion() string {
	return fmt.Sprintf("%s (commit: %s, built: %s, %s %s/%s, crypto/tls %s)",
		Version, GitCommit, BuildDate, GoVersion, runtime.GOOS, runtime.GOARCH, Format(RuntimeTLSVersion()))
}

// Parse packs a Go toolchain version string ("go1.23.4", "devel go1.24-abcdef ...")
// into a comparable number. It returns 0 when no version can be found.
func Parse(s string) uint32 {
	idx := strings.Index(s, "go1")
	if idx < 0 {
		return 0
	}
	s = s[idx+len("go"):]
	if end := strings.IndexFunc(s, func(r rune) bool { return r != '.' && (r < '0' || r > '9') }); end >= 0 {
		s = s[:end]
	}

	parts := strings.SplitN(s, ".", 3)
	nums := [3]uint64{}
	for i, p := range parts {
		if p == "" {
			break
		}
		n, err := strconv.ParseUint(p, 10, 8)
		if err != nil {
			return 0
		}
		nums[i] = n
	}

	return Pack(uint32(nums[0]), uint32(nums[1]), uint32(nums[2]))
}

// Pack builds a version number from its components.
func Pack(major, minor, patch uint32) uint32 {
	return (major&0xF)<<constants.VersionMajorShift |
		(minor&0xFF)<<constants.VersionMinorShift |
		(patch&0xFF)<<constants.VersionPatchShift
}

// Format renders a packed version number as major.minor.patch.
func Format(v uint32) string {
	return fmt.Sprintf("%d.%d.%d",
		v>>constants.VersionMajorShift&0xF,
		v>>constants.VersionMinorShift&0xFF,
		v>>constants.VersionPatchShift&0xFF)
}

// Masked drops the patch level so versions of the same minor line compare equal.
func Masked(v uint32) uint32 {
	return v & constants.VersionMask
}

// BuildTLSVersion is the version of the crypto/tls compiled into this binary,
// taken from the toolchain recorded in the build info. Binaries without build
// info fall back to the runtime version, which makes the build/runtime
// comparison vacuous for them.
func BuildTLSVersion() uint32 {
	if info, ok := debug.ReadBuildInfo(); ok && info.GoVersion != "" {
		return Parse(info.GoVersion)
	}
	return RuntimeTLSVersion()
}

// RuntimeTLSVersion is the version of the crypto/tls running in this process.
func RuntimeTLSVersion() uint32 {
	return Parse(runtime.Version())
}

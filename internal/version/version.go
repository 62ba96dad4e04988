package version

// version is the version of the daemon.
//
// This value is expected to be set via build-time injection, e.g.
// -ldflags "-X github.com/igmpproxy/igmpproxy/internal/version.version=1.2.3".
var version = "dev"

// Version returns the version of the daemon.
func Version() string {
	return version
}

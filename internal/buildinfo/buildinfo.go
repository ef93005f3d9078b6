// Package buildinfo supplies the --version / --buildinfo strings for
// the CLI.
package buildinfo

import "fmt"

// Version is the debug adapter's version string, overridable at build
// time with -ldflags "-X .../internal/buildinfo.Version=...".
var Version = "0.1.0-dev"

// Commit is the VCS commit the binary was built from, overridable the
// same way.
var Commit = "unknown"

// BuildDate is the build timestamp, overridable the same way.
var BuildDate = "unknown"

// String renders the full --buildinfo line.
func String() string {
	return fmt.Sprintf("dncdbg %s (commit %s, built %s)", Version, Commit, BuildDate)
}

// Package version reports the build version of the warden binary.
package version

import (
	"fmt"
	"runtime"
	"runtime/debug"
)

var (
	// Version is set at build time with -ldflags, falling back to the module
	// version embedded by go install.
	Version = "dev"
	// Commit is the VCS revision the binary was built from, when known.
	Commit = ""
)

func init() {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return
	}
	if Version == "dev" && info.Main.Version != "" && info.Main.Version != "(devel)" {
		Version = info.Main.Version
	}
	if Commit == "" {
		for _, s := range info.Settings {
			if s.Key == "vcs.revision" && len(s.Value) >= 7 {
				Commit = s.Value[:7]
			}
		}
	}
}

// String is the one-line version banner.
func String() string {
	if Commit == "" {
		return fmt.Sprintf("warden %s %s/%s", Version, runtime.GOOS, runtime.GOARCH)
	}
	return fmt.Sprintf("warden %s (%s) %s/%s", Version, Commit, runtime.GOOS, runtime.GOARCH)
}

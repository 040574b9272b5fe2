// Package version reports which divan build is running.
//
// Release builds set Version, Commit and Date with -ldflags, e.g.
//
//	-X github.com/Aman-CERP/divan/pkg/version.Version=1.2.0
//
// Builds made with plain `go build` or `go install` fall back to the module
// and VCS information the Go toolchain embeds in the binary.
package version

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"strings"
)

// Set via ldflags.
var (
	Version = "dev"
	Commit  = "unknown"
	Date    = "unknown"
)

// BuildInfo is structured version information for JSON output.
type BuildInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	Date      string `json:"date"`
	GoVersion string `json:"go_version"`
	OS        string `json:"os"`
	Arch      string `json:"arch"`
}

// GetInfo returns the build information of the running binary.
func GetInfo() BuildInfo {
	bi, _ := debug.ReadBuildInfo()
	return resolve(bi)
}

// String returns a one-line description of the build.
func String() string {
	info := GetInfo()
	return fmt.Sprintf("divan %s (commit: %s, built: %s, go: %s)",
		info.Version, info.Commit, info.Date, info.GoVersion)
}

// Short returns just the version.
func Short() string {
	return GetInfo().Version
}

// resolve prefers the ldflags values and fills whatever they left at the
// default from bi, which may be nil.
func resolve(bi *debug.BuildInfo) BuildInfo {
	info := BuildInfo{
		Version:   Version,
		Commit:    Commit,
		Date:      Date,
		GoVersion: runtime.Version(),
		OS:        runtime.GOOS,
		Arch:      runtime.GOARCH,
	}
	if bi == nil {
		return info
	}

	if info.Version == "dev" && bi.Main.Version != "" && bi.Main.Version != "(devel)" {
		info.Version = strings.TrimPrefix(bi.Main.Version, "v")
	}

	var revision, modified string
	for _, s := range bi.Settings {
		switch s.Key {
		case "vcs.revision":
			revision = s.Value
		case "vcs.modified":
			modified = s.Value
		case "vcs.time":
			if info.Date == "unknown" {
				info.Date = s.Value
			}
		}
	}
	if info.Commit == "unknown" && revision != "" {
		info.Commit = revision[:min(len(revision), 12)]
		if modified == "true" {
			info.Commit += "-dirty"
		}
	}
	return info
}

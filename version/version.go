// Package version carries build information stamped in with -ldflags.
package version

import (
	"fmt"
	"runtime"
)

// Build information. These variables are set at build time via ldflags:
//
//	go build -ldflags "-X github.com/teranos/usedcss/version.Version=v1.2.0 -X github.com/teranos/usedcss/version.CommitHash=$(git rev-parse HEAD)"
var (
	CommitHash = "dev"
	BuildTime  = "unknown"
	Version    = "dev"
)

// Info contains version and build information
type Info struct {
	CommitHash string `json:"commit_hash"`
	BuildTime  string `json:"build_time"`
	Version    string `json:"version"`
	GoVersion  string `json:"go_version"`
	Platform   string `json:"platform"`
}

// Get returns the current version information
func Get() Info {
	return Info{
		CommitHash: CommitHash,
		BuildTime:  BuildTime,
		Version:    Version,
		GoVersion:  runtime.Version(),
		Platform:   fmt.Sprintf("%s/%s", runtime.GOOS, runtime.GOARCH),
	}
}

// String returns a human-readable version string
func (i Info) String() string {
	return fmt.Sprintf("usedcss %s (commit %s, built %s)", i.Version, i.Short(), i.BuildTime)
}

// Short returns the commit hash cut to seven characters
func (i Info) Short() string {
	if len(i.CommitHash) >= 7 {
		return i.CommitHash[:7]
	}
	return i.CommitHash
}

// UserAgent identifies outbound compute and purge requests
func UserAgent() string {
	info := Get()
	return fmt.Sprintf("usedcss/%s (+%s)", info.Version, info.Short())
}

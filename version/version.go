// Package version reports the engine build provenance that gates the
// on-disk action cache. cache/sqlitecache stamps the database with the Info a
// build was opened under and wipes the action cache's stale entries the
// moment a later run's Info no longer Equal()s it, so a forge binary
// rebuilt from different sources, or checked out at a different commit,
// never reuses results an earlier build produced.
package version

import (
	"runtime/debug"

	"github.com/google/go-cmp/cmp"
)

var (
	// GitRepo, GitBranch, GitCommit, and BuildTime are set via -ldflags at
	// release build time; a `go run`/`go build` without those flags leaves
	// them empty and Get falls back to runtime/debug.BuildInfo alone.
	GitRepo   string
	GitBranch string
	GitCommit string
	BuildTime string
)

// Info is the provenance of one forge binary: the ldflags-supplied git
// metadata plus whatever the Go toolchain recorded in the binary itself.
type Info struct {
	GitRepo   string           `json:"gitRepo,omitempty"`
	GitBranch string           `json:"gitBranch,omitempty"`
	GitCommit string           `json:"gitCommit,omitempty"`
	BuildTime string           `json:"buildTime,omitempty"`
	BuildInfo *debug.BuildInfo `json:"buildInfo,omitempty"`
}

// Get reports the running binary's provenance.
func Get() Info {
	buildInfo, ok := debug.ReadBuildInfo()
	info := Info{
		GitRepo:   GitRepo,
		GitBranch: GitBranch,
		GitCommit: GitCommit,
		BuildTime: BuildTime,
	}
	if ok {
		info.BuildInfo = buildInfo
	}
	return info
}

// Equal reports whether v and other were built from the same sources: the
// same module path, dependency set, and Go toolchain, and the same git
// commit/branch/repo. BuildTime is deliberately excluded: a
// bit-for-bit-identical rebuild a minute later is still the same build as
// far as cache validity is concerned.
func (v Info) Equal(other Info) bool {
	if v.BuildInfo != nil {
		if other.BuildInfo == nil {
			return false
		}
		if v.BuildInfo.Main.Path != other.BuildInfo.Main.Path ||
			!cmp.Equal(v.BuildInfo.Deps, other.BuildInfo.Deps) ||
			v.BuildInfo.GoVersion != other.BuildInfo.GoVersion {
			return false
		}
	}
	if v.GitBranch != other.GitBranch ||
		v.GitCommit != other.GitCommit ||
		v.GitRepo != other.GitRepo {
		return false
	}
	return true
}

// Package version exposes build and dependency information embedded by the Go toolchain.
package version

import (
	"runtime/debug"
	"sort"
)

// Version is the release version, overridable at build time:
//
//	go build -ldflags "-X hive.evalgo.org/version.Version=v0.1.0"
var Version = "dev"

// DependencyInfo represents a module dependency and its resolved version.
type DependencyInfo struct {
	Path    string `json:"path"`
	Version string `json:"version"`
	Replace string `json:"replace,omitempty"`
}

// BuildInfo contains build-time information for the running binary.
type BuildInfo struct {
	GoVersion    string           `json:"goVersion"`
	MainModule   string           `json:"mainModule"`
	MainVersion  string           `json:"mainVersion"`
	Dependencies []DependencyInfo `json:"dependencies"`
}

// Short returns the best available version string for this binary.
// Prefers the ldflags-injected Version, then the module version stamped
// by the toolchain, then "dev".
func Short() string {
	if Version != "dev" && Version != "" {
		return Version
	}
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return "dev"
	}
	if info.Main.Version != "" && info.Main.Version != "(devel)" {
		return info.Main.Version
	}
	return "dev"
}

// GetBuildInfo extracts build information from the current binary using
// the module data embedded at build time.
func GetBuildInfo() *BuildInfo {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return &BuildInfo{
			GoVersion:    "unknown",
			MainModule:   "unknown",
			MainVersion:  Short(),
			Dependencies: []DependencyInfo{},
		}
	}

	deps := make([]DependencyInfo, len(info.Deps))
	for i, dep := range info.Deps {
		deps[i] = DependencyInfo{Path: dep.Path, Version: dep.Version}
		if dep.Replace != nil {
			deps[i].Replace = dep.Replace.Path + "@" + dep.Replace.Version
		}
	}
	// Stable output regardless of build graph order.
	sort.Slice(deps, func(i, j int) bool { return deps[i].Path < deps[j].Path })

	return &BuildInfo{
		GoVersion:    info.GoVersion,
		MainModule:   info.Path,
		MainVersion:  Short(),
		Dependencies: deps,
	}
}

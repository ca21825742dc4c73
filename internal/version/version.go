// Package version tracks build metadata for the collector binaries.
package version

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"sync"
)

// Info describes build metadata.
type Info struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildTime string `json:"build_time"`
	GoVersion string `json:"go_version"`
}

var (
	info      = Info{Version: "dev", GoVersion: runtime.Version()}
	infoMutex sync.RWMutex
)

// Set updates the metadata reported by the binaries. Missing fields fall back to what
// the Go toolchain embedded at build time.
func Set(v Info) {
	if v.Version == "" {
		v.Version = "dev"
	}
	if v.GoVersion == "" {
		v.GoVersion = runtime.Version()
	}
	if v.Commit == "" {
		v.Commit = vcsRevision()
	}

	infoMutex.Lock()
	defer infoMutex.Unlock()
	info = v
}

// Current returns the currently configured build metadata.
func Current() Info {
	infoMutex.RLock()
	defer infoMutex.RUnlock()
	return info
}

// String renders a one-line banner for --version output.
func (i Info) String() string {
	s := fmt.Sprintf("%s (%s)", i.Version, i.GoVersion)
	if i.Commit != "" {
		s += " commit " + i.Commit
	}
	if i.BuildTime != "" {
		s += " built " + i.BuildTime
	}
	return s
}

func vcsRevision() string {
	bi, ok := debug.ReadBuildInfo()
	if !ok {
		return ""
	}
	for _, setting := range bi.Settings {
		if setting.Key == "vcs.revision" {
			if len(setting.Value) > 12 {
				return setting.Value[:12]
			}
			return setting.Value
		}
	}
	return ""
}

package web

import (
	"net/http"
	"runtime"
	"runtime/debug"
	"sync"
	"time"
)

const serviceName = "beerery"

var startedAt = time.Now()

// BuildInfo is read from the binary once.
type BuildInfo struct {
	GoVersion  string `json:"go_version"`
	ModulePath string `json:"module_path,omitempty"`
	Version    string `json:"version,omitempty"`
	Commit     string `json:"commit,omitempty"`
	Dirty      bool   `json:"dirty,omitempty"`
	BuildTime  string `json:"build_time,omitempty"`
}

var buildInfo = sync.OnceValue(func() BuildInfo {
	out := BuildInfo{GoVersion: runtime.Version()}
	bi, ok := debug.ReadBuildInfo()
	if !ok || bi == nil {
		return out
	}
	out.ModulePath = bi.Main.Path
	out.Version = bi.Main.Version
	for _, s := range bi.Settings {
		switch s.Key {
		case "vcs.revision":
			out.Commit = s.Value
		case "vcs.modified":
			out.Dirty = s.Value == "true"
		case "vcs.time":
			out.BuildTime = s.Value
		}
	}
	return out
})

type AboutResponse struct {
	Service    string    `json:"service"`
	NowUTC     string    `json:"now_utc"`
	StartedUTC string    `json:"started_utc"`
	Uptime     string    `json:"uptime"`
	Build      BuildInfo `json:"build"`
}

func AboutHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		now := time.Now()
		writeJSON(w, http.StatusOK, AboutResponse{
			Service:    serviceName,
			NowUTC:     now.UTC().Format(time.RFC3339Nano),
			StartedUTC: startedAt.UTC().Format(time.RFC3339),
			Uptime:     now.Sub(startedAt).Truncate(time.Second).String(),
			Build:      buildInfo(),
		})
	})
}

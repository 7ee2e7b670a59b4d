package handlers

import (
	"net/http"
	"runtime"
	"sync"
)

// VersionInfo is the body of GET /version.
type VersionInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildDate string `json:"build_date"`
	GoVersion string `json:"go_version"`
}

var (
	versionMu sync.RWMutex
	version   = VersionInfo{Version: "dev", Commit: "unknown", BuildDate: "unknown"}
)

// SetVersionInfo records build metadata for the version endpoint.
func SetVersionInfo(v, commit, buildDate string) {
	versionMu.Lock()
	defer versionMu.Unlock()
	version = VersionInfo{Version: v, Commit: commit, BuildDate: buildDate}
}

// VersionHandler serves build metadata.
func VersionHandler(w http.ResponseWriter, _ *http.Request) {
	versionMu.RLock()
	v := version
	versionMu.RUnlock()
	v.GoVersion = runtime.Version()
	writeJSON(w, http.StatusOK, v)
}

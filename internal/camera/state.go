package camera

import (
	"sync"
	"time"
)

// Status is a point-in-time snapshot of the client, served by the status
// endpoint.
type Status struct {
	SessionID  string    `json:"session_id"`
	Endpoint   string    `json:"endpoint"`
	State      string    `json:"state"`
	Connected  bool      `json:"connected"`
	LastError  string    `json:"last_error,omitempty"`
	Reconnects uint64    `json:"reconnects"`
	Fallbacks  uint64    `json:"long_poll_fallbacks"`
	Resyncs    uint64    `json:"decode_resyncs"`
	Images     uint64    `json:"images"`
	StartedAt  time.Time `json:"started_at"`
}

// VersionInfo describes the running build.
type VersionInfo struct {
	Version   string `json:"version"`
	BuildSHA  string `json:"build_sha"`
	BuildDate string `json:"build_date"`
}

var (
	stateMu sync.Mutex
	status  = Status{State: "idle", StartedAt: time.Now()}
	version = VersionInfo{Version: "dev", BuildSHA: "unknown", BuildDate: "unknown"}
)

// SetVersionInfo records build metadata injected at link time.
func SetVersionInfo(v, sha, date string) {
	stateMu.Lock()
	version = VersionInfo{Version: v, BuildSHA: sha, BuildDate: date}
	stateMu.Unlock()
}

// GetVersionInfo returns the recorded build metadata.
func GetVersionInfo() VersionInfo {
	stateMu.Lock()
	defer stateMu.Unlock()
	return version
}

// GetStatus returns the current snapshot.
func GetStatus() Status {
	stateMu.Lock()
	defer stateMu.Unlock()
	return status
}

func setSession(id, endpoint string) {
	stateMu.Lock()
	status.SessionID = id
	status.Endpoint = endpoint
	stateMu.Unlock()
}

func setState(s string) {
	stateMu.Lock()
	status.State = s
	stateMu.Unlock()
}

func setConnected(v bool) {
	stateMu.Lock()
	status.Connected = v
	if v {
		status.LastError = ""
	}
	stateMu.Unlock()
	setConnectedGauge(v)
}

func setLastError(msg string) {
	stateMu.Lock()
	status.LastError = msg
	stateMu.Unlock()
}

func addReconnect() {
	stateMu.Lock()
	status.Reconnects++
	stateMu.Unlock()
	reconnectsCounter.Inc()
}

func addFallback() {
	stateMu.Lock()
	status.Fallbacks++
	stateMu.Unlock()
	fallbacksCounter.Inc()
}

func addResync() {
	stateMu.Lock()
	status.Resyncs++
	stateMu.Unlock()
	resyncsCounter.Inc()
}

func addImage() {
	stateMu.Lock()
	status.Images++
	stateMu.Unlock()
	imagesCounter.Inc()
}

// resetStatus restores the zero snapshot. Used by tests.
func resetStatus() {
	stateMu.Lock()
	status = Status{State: "idle", StartedAt: time.Now()}
	stateMu.Unlock()
}

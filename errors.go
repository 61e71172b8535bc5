package offline

import "errors"

// Sentinel errors for offline operations.
var (
	// ErrInstallFailed is returned when a version cannot store its static manifest.
	// The version never activates.
	ErrInstallFailed = errors.New("offline: install failed")

	// ErrOffline is returned when a request could not reach the network and
	// no cached response or fallback page can stand in for it.
	ErrOffline = errors.New("offline: network unavailable")

	// ErrNoActiveWorker is returned when a request arrives before any version
	// has activated.
	ErrNoActiveWorker = errors.New("offline: no active worker")

	// ErrRedundant is returned by Register when a newer version was registered
	// while this one was installing.
	ErrRedundant = errors.New("offline: worker superseded")

	// ErrNoOrigin is returned when a manager is built without an origin.
	ErrNoOrigin = errors.New("offline: origin is required")
)

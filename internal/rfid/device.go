package rfid

import (
	"time"

	"tagsakay/server/internal/model"
)

// Device status strings returned by the listing endpoint.
const (
	StatusOnline  = "online"
	StatusOffline = "offline"
)

// RegistrationState is a device's effective registration mode after the
// expiry rule has been applied.
type RegistrationState struct {
	Enabled  bool
	TagID    string
	ScanMode bool
	// Expired is true when the stored flag was on but the window has lapsed.
	// Callers should clear the stored flag when they see it.
	Expired bool
}

// RegistrationStatus applies the registration-mode timeout to a device row.
// The flag is never trusted as stored: it counts as enabled only while the
// set-at timestamp is within ttl of now. Expiry is computed on every read
// rather than by a background timer, so a stale flag can never hold a
// registration window open across instances.
func RegistrationStatus(device model.Device, ttl time.Duration, now time.Time) RegistrationState {
	state := RegistrationState{
		TagID:    device.PendingRegistrationTagID,
		ScanMode: device.ScanMode,
	}
	if !device.RegistrationMode {
		return state
	}
	if device.RegistrationModeSetAt == nil || now.Sub(*device.RegistrationModeSetAt) > ttl {
		state.Expired = true
		state.TagID = ""
		state.ScanMode = false
		return state
	}
	state.Enabled = true
	return state
}

// ComputeOnlineStatus reports whether a device has been heard from within the
// window. A device that has never checked in is offline.
func ComputeOnlineStatus(device model.Device, window time.Duration, now time.Time) string {
	if device.LastSeen == nil {
		return StatusOffline
	}
	if now.Sub(*device.LastSeen) > window {
		return StatusOffline
	}
	return StatusOnline
}

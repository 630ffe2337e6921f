// Package auth provides authentication and device pairing for the host.
// It handles pairing codes, device tokens, and access control for
// WebSocket connections.
//
// The pairing flow works as follows:
// 1. User runs `coderelay pair` to generate a 6-digit code (valid for 2 minutes)
// 2. Mobile app enters the code and POSTs to /pair with its device info
// 3. Host validates the code, generates a device token, and stores the device
// 4. Mobile app uses the token for all subsequent WebSocket connections
//
// Security considerations:
// - Pairing codes are short-lived (2 minute expiry)
// - Codes can only be used once (replay prevention)
// - Rate limiting prevents brute force attacks
// - Tokens are hashed before storage (bcrypt)
package auth

import (
	"errors"
	"time"

	"github.com/coderelay/host/internal/storage"
)

// Device is an alias for storage.Device to avoid import cycles.
type Device = storage.Device

// Common errors for the pairing and token flows.
var (
	// ErrCodeExpired is returned when a pairing code has expired.
	ErrCodeExpired = errors.New("pairing code has expired")

	// ErrCodeInvalid is returned when the code doesn't match any active pairing.
	ErrCodeInvalid = errors.New("invalid pairing code")

	// ErrCodeUsed is returned when trying to use a code that was already redeemed.
	ErrCodeUsed = errors.New("pairing code already used")

	// ErrRateLimited is returned when too many pairing attempts are made.
	ErrRateLimited = errors.New("too many pairing attempts, try again later")

	// ErrDeviceNotFound is returned when a device lookup fails.
	ErrDeviceNotFound = errors.New("device not found")
)

// DeviceStore defines the interface for persisting paired devices.
// Implemented by storage.SQLiteStore. Implementations must be safe
// for concurrent access.
type DeviceStore interface {
	// SaveDevice persists a device, updating it if the ID already exists.
	SaveDevice(device *Device) error

	// GetDevice retrieves a device by ID. Returns nil, nil if missing.
	GetDevice(id string) (*Device, error)

	// ListDevices returns all paired devices.
	ListDevices() ([]*Device, error)

	// DeleteDevice removes a device. Idempotent.
	DeleteDevice(id string) error

	// UpdateDeviceLastSeen updates the last_seen timestamp for a device.
	UpdateDeviceLastSeen(id string, t time.Time) error
}

package auth

import (
	"crypto/rand"
	"fmt"
	"log"
	"math/big"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/time/rate"
)

// PairingConfig holds configuration for the pairing manager.
type PairingConfig struct {
	// CodeExpiry is how long a pairing code remains valid.
	// Default: 2 minutes.
	CodeExpiry time.Duration

	// AttemptsPerMinute is the rate limit for pairing attempts.
	// Default: 5 attempts per minute.
	AttemptsPerMinute int

	// DeviceStore is where paired devices are persisted. Required.
	DeviceStore DeviceStore

	// TimeNow returns the current time. Useful for testing.
	// Default: time.Now.
	TimeNow func() time.Time
}

// DeviceInfo is the identity a client presents when redeeming a code.
// The ID is client-generated and stable across reconnects; if empty,
// the host assigns one.
type DeviceInfo struct {
	ID        string
	Name      string
	Platform  string
	PushToken string
}

// PairingManager handles pairing code generation and validation.
// It enforces rate limits and code expiry to prevent brute force attacks.
type PairingManager struct {
	mu sync.Mutex

	config PairingConfig

	// activeCode is the current pending pairing code.
	// Only one code can be active at a time.
	activeCode *pairingCode

	// limiter throttles redemption attempts across all callers.
	limiter *rate.Limiter
}

// pairingCode represents an active pairing code waiting to be redeemed.
type pairingCode struct {
	code      string
	expiresAt time.Time
	used      bool
}

// NewPairingManager creates a new pairing manager with the given config.
func NewPairingManager(config PairingConfig) *PairingManager {
	if config.CodeExpiry == 0 {
		config.CodeExpiry = 2 * time.Minute
	}
	if config.AttemptsPerMinute == 0 {
		config.AttemptsPerMinute = 5
	}
	if config.TimeNow == nil {
		config.TimeNow = time.Now
	}

	// Allow a short initial burst, then steady-state one attempt
	// every 60/N seconds.
	limit := rate.Every(time.Minute / time.Duration(config.AttemptsPerMinute))

	return &PairingManager{
		config:  config,
		limiter: rate.NewLimiter(limit, config.AttemptsPerMinute),
	}
}

// GenerateCode creates a new 6-digit pairing code.
// Any previously active code is invalidated.
// Returns the code string to display to the user.
func (pm *PairingManager) GenerateCode() (string, error) {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	// crypto/rand keeps the code unpredictable.
	code, err := generateRandomCode(6)
	if err != nil {
		return "", fmt.Errorf("generate code: %w", err)
	}

	now := pm.config.TimeNow()
	pm.activeCode = &pairingCode{
		code:      code,
		expiresAt: now.Add(pm.config.CodeExpiry),
	}

	log.Printf("auth: generated pairing code (expires at %s)", pm.activeCode.expiresAt.Format(time.RFC3339))

	return code, nil
}

// RedeemCode checks the given code and exchanges it for a device token.
// Returns the device ID and access token on success. The code is marked
// used after successful validation (replay prevention).
func (pm *PairingManager) RedeemCode(code string, info DeviceInfo) (deviceID, token string, err error) {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	if !pm.limiter.Allow() {
		log.Printf("auth: pairing attempt rate limited")
		return "", "", ErrRateLimited
	}

	now := pm.config.TimeNow()

	if pm.activeCode == nil {
		log.Printf("auth: pairing attempt with no active code")
		return "", "", ErrCodeInvalid
	}

	if pm.activeCode.used {
		log.Printf("auth: pairing attempt with already-used code")
		return "", "", ErrCodeUsed
	}

	if now.After(pm.activeCode.expiresAt) {
		log.Printf("auth: pairing attempt with expired code")
		return "", "", ErrCodeExpired
	}

	if pm.activeCode.code != code {
		log.Printf("auth: pairing attempt with incorrect code")
		return "", "", ErrCodeInvalid
	}

	// Mark used before creating the device so replay is prevented
	// even if device creation fails.
	pm.activeCode.used = true

	deviceID = info.ID
	if deviceID == "" {
		deviceID = uuid.New().String()
	}
	token = generateSecureToken()

	hash, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
	if err != nil {
		return "", "", fmt.Errorf("hash token: %w", err)
	}

	device := &Device{
		ID:        deviceID,
		Name:      info.Name,
		Platform:  info.Platform,
		PushToken: info.PushToken,
		TokenHash: string(hash),
		CreatedAt: now,
		LastSeen:  now,
	}

	if err := pm.config.DeviceStore.SaveDevice(device); err != nil {
		return "", "", fmt.Errorf("save device: %w", err)
	}

	log.Printf("auth: paired device %s (%s, %s)", deviceID, device.Name, device.Platform)

	return deviceID, token, nil
}

// HasActiveCode returns true if there's a non-expired, unused code.
func (pm *PairingManager) HasActiveCode() bool {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	if pm.activeCode == nil {
		return false
	}

	now := pm.config.TimeNow()
	return !pm.activeCode.used && now.Before(pm.activeCode.expiresAt)
}

// CodeExpiry returns when the active code expires.
// Returns zero time if no active code exists.
func (pm *PairingManager) CodeExpiry() time.Time {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	if pm.activeCode == nil {
		return time.Time{}
	}
	return pm.activeCode.expiresAt
}

// generateRandomCode generates a random numeric code of the given length.
func generateRandomCode(length int) (string, error) {
	const digits = "0123456789"

	code := make([]byte, length)
	for i := range code {
		n, err := rand.Int(rand.Reader, big.NewInt(int64(len(digits))))
		if err != nil {
			return "", err
		}
		code[i] = digits[n.Int64()]
	}

	return string(code), nil
}

// generateSecureToken creates a 256-bit random token, hex encoded.
// Panics only if the system entropy source is broken.
func generateSecureToken() string {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		panic(fmt.Sprintf("auth: crypto/rand failed: %v", err))
	}
	return fmt.Sprintf("%x", buf)
}

package auth

import (
	"encoding/json"
	"log"
	"net"
	"net/http"
	"time"
)

// PairRequest is the JSON body for the /pair endpoint.
type PairRequest struct {
	// Code is the 6-digit pairing code displayed by `coderelay pair`.
	Code string `json:"code"`

	// DeviceID is the client's own stable identifier. Optional; the
	// host assigns one when empty.
	DeviceID string `json:"device_id"`

	// DeviceName is a friendly name for the device (e.g., "iPhone 15 Pro").
	DeviceName string `json:"device_name"`

	// Platform is the client platform ("ios", "android", "desktop").
	Platform string `json:"platform"`

	// PushToken is the platform push token, if the client has one.
	PushToken string `json:"push_token"`
}

// PairResponse is the JSON response from the /pair endpoint on success.
type PairResponse struct {
	DeviceID string `json:"device_id"`

	// Token is the bearer token for authentication. Returned exactly
	// once; the client must store it securely.
	Token string `json:"token"`
}

// GenerateCodeResponse is the JSON response for /pair/generate.
type GenerateCodeResponse struct {
	Code   string    `json:"code"`
	Expiry time.Time `json:"expiry"`
}

// ErrorResponse is the JSON response for error conditions.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// PairHandler serves the pairing HTTP endpoints:
//
//	POST /pair          code-to-token exchange, open to the network
//	POST /pair/generate new code, loopback only
//
// Generation stays local so a remote attacker cannot mint codes and
// race the legitimate user to redeem them.
type PairHandler struct {
	pairingManager *PairingManager
}

// NewPairHandler creates a pairing handler.
func NewPairHandler(pm *PairingManager) *PairHandler {
	return &PairHandler{pairingManager: pm}
}

func (h *PairHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Path {
	case "/pair":
		h.handlePair(w, r)
	case "/pair/generate":
		h.handleGenerate(w, r)
	default:
		http.NotFound(w, r)
	}
}

func (h *PairHandler) handlePair(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Only POST is allowed")
		return
	}

	var req PairRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		log.Printf("auth: failed to parse pair request: %v", err)
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid JSON body")
		return
	}

	if req.Code == "" {
		h.writeError(w, http.StatusBadRequest, "missing_code", "Pairing code is required")
		return
	}

	deviceName := req.DeviceName
	if deviceName == "" {
		deviceName = "Unknown Device"
	}

	deviceID, token, err := h.pairingManager.RedeemCode(req.Code, DeviceInfo{
		ID:        req.DeviceID,
		Name:      deviceName,
		Platform:  req.Platform,
		PushToken: req.PushToken,
	})
	if err != nil {
		switch err {
		case ErrCodeInvalid:
			h.writeError(w, http.StatusUnauthorized, "invalid_code", "Invalid pairing code")
		case ErrCodeExpired:
			h.writeError(w, http.StatusUnauthorized, "expired_code", "Pairing code has expired")
		case ErrCodeUsed:
			h.writeError(w, http.StatusUnauthorized, "used_code", "Pairing code has already been used")
		case ErrRateLimited:
			h.writeError(w, http.StatusTooManyRequests, "rate_limited", "Too many pairing attempts, please wait")
		default:
			log.Printf("auth: unexpected error during pairing: %v", err)
			h.writeError(w, http.StatusInternalServerError, "internal_error", "Failed to complete pairing")
		}
		return
	}

	log.Printf("auth: device paired successfully: %s (%s)", deviceID, deviceName)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(PairResponse{
		DeviceID: deviceID,
		Token:    token,
	})
}

func (h *PairHandler) handleGenerate(w http.ResponseWriter, r *http.Request) {
	if !isLoopbackRequest(r) {
		log.Printf("auth: rejected /pair/generate from non-loopback address: %s", r.RemoteAddr)
		h.writeError(w, http.StatusForbidden, "forbidden", "Pairing code generation is only available from localhost")
		return
	}

	if r.Method != http.MethodPost {
		h.writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Only POST is allowed")
		return
	}

	code, err := h.pairingManager.GenerateCode()
	if err != nil {
		log.Printf("auth: failed to generate pairing code: %v", err)
		h.writeError(w, http.StatusInternalServerError, "internal_error", "Failed to generate pairing code")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(GenerateCodeResponse{
		Code:   code,
		Expiry: h.pairingManager.CodeExpiry(),
	})
}

func (h *PairHandler) writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(ErrorResponse{
		Error:   code,
		Message: message,
	})
}

// isLoopbackRequest reports whether the request originates from the
// local machine. Unparseable addresses are rejected conservatively.
func isLoopbackRequest(r *http.Request) bool {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		log.Printf("auth: failed to parse RemoteAddr %q: %v", r.RemoteAddr, err)
		return false
	}

	ip := net.ParseIP(host)
	if ip == nil {
		log.Printf("auth: failed to parse IP from host %q", host)
		return false
	}

	return ip.IsLoopback()
}

package auth

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestPairEndpointRoundTrip(t *testing.T) {
	store := newMemStore()
	pm := NewPairingManager(PairingConfig{DeviceStore: store})
	handler := NewPairHandler(pm)

	code, err := pm.GenerateCode()
	if err != nil {
		t.Fatalf("GenerateCode failed: %v", err)
	}

	body := `{"code":"` + code + `","device_name":"Pixel 9","platform":"android"}`
	req := httptest.NewRequest(http.MethodPost, "/pair", strings.NewReader(body))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp PairResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.DeviceID == "" || resp.Token == "" {
		t.Fatalf("incomplete pair response: %+v", resp)
	}

	device, err := store.GetDevice(resp.DeviceID)
	if err != nil || device == nil {
		t.Fatalf("paired device not persisted: %v", err)
	}
	if device.Name != "Pixel 9" {
		t.Errorf("expected device name persisted, got %q", device.Name)
	}
}

func TestPairEndpointWrongCode(t *testing.T) {
	pm := NewPairingManager(PairingConfig{DeviceStore: newMemStore()})
	handler := NewPairHandler(pm)

	if _, err := pm.GenerateCode(); err != nil {
		t.Fatalf("GenerateCode failed: %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, "/pair", strings.NewReader(`{"code":"000000"}`))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
	var resp ErrorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode error response: %v", err)
	}
	if resp.Error != "invalid_code" {
		t.Errorf("expected invalid_code, got %q", resp.Error)
	}
}

func TestGenerateRestrictedToLoopback(t *testing.T) {
	pm := NewPairingManager(PairingConfig{DeviceStore: newMemStore()})
	handler := NewPairHandler(pm)

	// httptest requests default to a non-loopback RemoteAddr.
	req := httptest.NewRequest(http.MethodPost, "/pair/generate", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for remote caller, got %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/pair/generate", nil)
	req.RemoteAddr = "127.0.0.1:54321"
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for loopback caller, got %d", rec.Code)
	}

	var resp GenerateCodeResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode generate response: %v", err)
	}
	if len(resp.Code) != 6 {
		t.Errorf("expected 6-digit code, got %q", resp.Code)
	}
	if resp.Expiry.IsZero() {
		t.Error("expected non-zero expiry")
	}
}

package errors

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestWriteJSONPreSerialized(t *testing.T) {
	rec := httptest.NewRecorder()
	ErrTooManyRequests.WriteJSON(rec)

	if rec.Code != http.StatusTooManyRequests {
		t.Errorf("expected 429, got %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("expected application/json, got %q", ct)
	}

	var body GatewayError
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("invalid JSON body: %v", err)
	}
	if body.Code != http.StatusTooManyRequests || body.Message != "Too Many Requests" {
		t.Errorf("unexpected body: %+v", body)
	}
}

func TestWriteJSONWithDetails(t *testing.T) {
	rec := httptest.NewRecorder()
	ErrBadRequest.WithDetails("missing path").WriteJSON(rec)

	var body GatewayError
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("invalid JSON body: %v", err)
	}
	if body.Details != "missing path" {
		t.Errorf("expected details, got %q", body.Details)
	}
}

func TestWrapUnwrap(t *testing.T) {
	inner := errors.New("connection refused")
	wrapped := Wrap(inner, http.StatusBadGateway, "upstream unavailable")

	if !errors.Is(wrapped, inner) {
		t.Error("expected errors.Is to find the underlying error")
	}
	if wrapped.Error() != "upstream unavailable: connection refused" {
		t.Errorf("unexpected Error(): %q", wrapped.Error())
	}
}

func TestIsGatewayError(t *testing.T) {
	if _, ok := IsGatewayError(errors.New("plain")); ok {
		t.Error("plain error should not be a GatewayError")
	}
	if ge, ok := IsGatewayError(ErrNotFound); !ok || ge.Code != http.StatusNotFound {
		t.Error("expected ErrNotFound to be recognized")
	}
}

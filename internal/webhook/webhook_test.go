package webhook

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

type fakeDispatcher struct {
	byEmail     map[string]string
	byChannel   map[string]string
	secrets     map[string]string
	dispatched  []string
}

func (f *fakeDispatcher) ResolveByAccountEmail(email string) (string, bool, bool) {
	id, ok := f.byEmail[email]
	return id, false, ok
}

func (f *fakeDispatcher) ResolveByChannelID(channelID string) (string, bool, string, bool) {
	id, ok := f.byChannel[channelID]
	if !ok {
		return "", false, "", false
	}
	return id, false, f.secrets[channelID], true
}

func (f *fakeDispatcher) Dispatch(sourceID string, isCalendar bool, reason string) {
	f.dispatched = append(f.dispatched, sourceID+":"+reason)
}

func TestServeHTTP_GetProbeReturns200(t *testing.T) {
	h := NewHandler(&fakeDispatcher{}, nil, Config{})
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/webhooks/google/push", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("code = %d, want 200", rec.Code)
	}
}

func TestServeHTTP_PubSubUnknownSourceIsAccepted(t *testing.T) {
	d := &fakeDispatcher{byEmail: map[string]string{}}
	h := NewHandler(d, nil, Config{})

	data, _ := json.Marshal(map[string]any{"emailAddress": "unknown@example.com"})
	body, _ := json.Marshal(map[string]any{"message": map[string]any{"data": data}})
	req := httptest.NewRequest(http.MethodPost, "/webhooks/google/push", bytes.NewReader(body))
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusAccepted {
		t.Errorf("code = %d, want 202", rec.Code)
	}
	if len(d.dispatched) != 0 {
		t.Errorf("expected no dispatch for unknown source, got %v", d.dispatched)
	}
}

func TestServeHTTP_PubSubKnownSourceDispatches(t *testing.T) {
	d := &fakeDispatcher{byEmail: map[string]string{"care@example.com": "src-1"}}
	h := NewHandler(d, nil, Config{}) // nil JWKS storage skips JWT verification

	data, _ := json.Marshal(map[string]any{"emailAddress": "care@example.com"})
	body, _ := json.Marshal(map[string]any{"message": map[string]any{"data": data}})
	req := httptest.NewRequest(http.MethodPost, "/webhooks/google/push", bytes.NewReader(body))
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusAccepted {
		t.Errorf("code = %d, want 202", rec.Code)
	}
	if len(d.dispatched) != 1 || d.dispatched[0] != "src-1:push" {
		t.Errorf("dispatched = %v, want [src-1:push]", d.dispatched)
	}
}

func TestServeHTTP_ChannelTokenValidDispatches(t *testing.T) {
	secret := "shared-secret"
	channelID := "chan-1"
	d := &fakeDispatcher{
		byChannel: map[string]string{channelID: "src-2"},
		secrets:   map[string]string{channelID: secret},
	}
	h := NewHandler(d, nil, Config{})

	req := httptest.NewRequest(http.MethodPost, "/webhooks/google/push", bytes.NewReader([]byte("{}")))
	req.Header.Set("X-Goog-Channel-Id", channelID)
	req.Header.Set("X-Goog-Channel-Token", validChannelToken(secret, "src-2"))
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusAccepted {
		t.Errorf("code = %d, want 202", rec.Code)
	}
	if len(d.dispatched) != 1 {
		t.Errorf("expected one dispatch, got %v", d.dispatched)
	}
}

func TestServeHTTP_ChannelTokenInvalidIsUnauthorized(t *testing.T) {
	channelID := "chan-1"
	d := &fakeDispatcher{
		byChannel: map[string]string{channelID: "src-2"},
		secrets:   map[string]string{channelID: "shared-secret"},
	}
	h := NewHandler(d, nil, Config{})

	req := httptest.NewRequest(http.MethodPost, "/webhooks/google/push", bytes.NewReader([]byte("{}")))
	req.Header.Set("X-Goog-Channel-Id", channelID)
	req.Header.Set("X-Goog-Channel-Token", "wrong-token")
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("code = %d, want 401", rec.Code)
	}
	if len(d.dispatched) != 0 {
		t.Error("expected no dispatch on bad token")
	}
}

func validChannelToken(secret, sourceID string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(sourceID))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}


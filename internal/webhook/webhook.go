// Package webhook implements the push-notification surface C9 listens
// on: POST /webhooks/google/push, authenticated either by a pub/sub
// JWT (verified against Google's published JWKS) or by a per-source
// HMAC channel token, and GET /webhooks/google/push for the provider's
// health probe.
package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/MicahParks/jwkset"
	"github.com/golang-jwt/jwt/v5"
)

// Dispatcher is the subset of the sync scheduler (C8/C9) the webhook
// handler needs: resolve a source from either payload shape, then
// debounce a sync for it.
type Dispatcher interface {
	// ResolveByAccountEmail looks up a source by the pub/sub payload's
	// account email. Returns "" if unknown.
	ResolveByAccountEmail(accountEmail string) (sourceID string, isCalendar bool, ok bool)
	// ResolveByChannelID looks up a source by its watch/channel id.
	ResolveByChannelID(channelID string) (sourceID string, isCalendar bool, secret string, ok bool)
	// Dispatch debounces a sync for sourceID, routed to the calendar or
	// mail pipeline depending on isCalendar.
	Dispatch(sourceID string, isCalendar bool, reason string)
}

// debounceDelay is the webhook path's fixed debounce window (§5).
const debounceDelay = 100 * time.Millisecond

// Handler serves the push webhook surface.
type Handler struct {
	dispatcher  Dispatcher
	logger      *slog.Logger
	jwksStorage jwkset.Storage
	audience    string
}

// Config configures the webhook handler's JWT verification.
type Config struct {
	// Audience is the webhook URL Google's pub/sub JWT must target.
	Audience string
	// JWKSStorage resolves Google's published signing keys by kid. Nil
	// disables JWT verification (HMAC channel tokens still work).
	JWKSStorage jwkset.Storage
}

// NewHandler builds a webhook handler.
func NewHandler(dispatcher Dispatcher, logger *slog.Logger, cfg Config) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{dispatcher: dispatcher, logger: logger, jwksStorage: cfg.JWKSStorage, audience: cfg.Audience}
}

// ServeHTTP dispatches GET (probe) and POST (push) per the webhook
// surface in §6.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		w.WriteHeader(http.StatusOK)
	case http.MethodPost:
		h.handlePush(w, r)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// pubsubEnvelope is the shape of a Google pub/sub push body.
type pubsubEnvelope struct {
	Message struct {
		Data []byte `json:"data"`
	} `json:"message"`
}

type pubsubPayload struct {
	EmailAddress string `json:"emailAddress"`
	HistoryID    uint64 `json:"historyId"`
}

func (h *Handler) handlePush(w http.ResponseWriter, r *http.Request) {
	var env pubsubEnvelope
	_ = json.NewDecoder(r.Body).Decode(&env) // malformed/empty body is a benign no-op, per §6

	if len(env.Message.Data) > 0 {
		h.handlePubSub(w, r, env)
		return
	}
	h.handleChannelHeaders(w, r)
}

// handlePubSub verifies the bearer JWT, then resolves and dispatches by
// account email.
func (h *Handler) handlePubSub(w http.ResponseWriter, r *http.Request, env pubsubEnvelope) {
	if h.jwksStorage != nil {
		if err := h.verifyBearerJWT(r); err != nil {
			h.logger.Warn("webhook: pub/sub JWT verification failed", "error", err)
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
	}

	var payload pubsubPayload
	if err := json.Unmarshal(env.Message.Data, &payload); err != nil {
		writeAccepted(w)
		return
	}

	sourceID, isCalendar, ok := h.dispatcher.ResolveByAccountEmail(payload.EmailAddress)
	if !ok {
		writeAccepted(w)
		return
	}
	h.dispatcher.Dispatch(sourceID, isCalendar, "push")
	writeAccepted(w)
}

// handleChannelHeaders verifies the per-source HMAC channel token in
// X-Goog-Channel-Token and resolves by X-Goog-Channel-Id.
func (h *Handler) handleChannelHeaders(w http.ResponseWriter, r *http.Request) {
	channelID := r.Header.Get("X-Goog-Channel-Id")
	if channelID == "" {
		writeAccepted(w)
		return
	}

	sourceID, isCalendar, secret, ok := h.dispatcher.ResolveByChannelID(channelID)
	if !ok {
		writeAccepted(w)
		return
	}

	token := r.Header.Get("X-Goog-Channel-Token")
	if !verifyChannelToken(secret, sourceID, token) {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	h.dispatcher.Dispatch(sourceID, isCalendar, "push")
	writeAccepted(w)
}

func writeAccepted(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_, _ = w.Write([]byte(`{"ok":true}`))
}

// verifyChannelToken checks token against HMAC-SHA256(sourceID, secret),
// base64url-encoded, per §6's channel-token scheme.
func verifyChannelToken(secret, sourceID, token string) bool {
	if secret == "" || token == "" {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(sourceID))
	expected := base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(token))
}

var errMissingBearer = errors.New("missing or malformed Authorization header")

// verifyBearerJWT validates the Authorization bearer token against the
// configured JWKS and audience.
func (h *Handler) verifyBearerJWT(r *http.Request) error {
	auth := r.Header.Get("Authorization")
	if !strings.HasPrefix(auth, "Bearer ") {
		return errMissingBearer
	}
	raw := strings.TrimPrefix(auth, "Bearer ")

	keyfunc := func(token *jwt.Token) (any, error) {
		kid, _ := token.Header["kid"].(string)
		jwkKey, err := h.jwksStorage.KeyRead(r.Context(), kid)
		if err != nil {
			return nil, err
		}
		return jwkKey.Key(), nil
	}

	token, err := jwt.Parse(raw, keyfunc, jwt.WithAudience(h.audience), jwt.WithValidMethods([]string{"RS256"}))
	if err != nil {
		return err
	}
	if !token.Valid {
		return errors.New("invalid token")
	}
	return nil
}

// NewGoogleJWKS builds the JWKS storage used to verify pub/sub JWTs,
// refreshed from Google's published certificate endpoint.
func NewGoogleJWKS(ctx context.Context, jwksURL string) (jwkset.Storage, error) {
	return jwkset.NewDefaultHTTPClient([]string{jwksURL})
}

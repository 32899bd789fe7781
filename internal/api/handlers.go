package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"github.com/urgood/voiceusage/internal/policy"
	"github.com/urgood/voiceusage/internal/storage"
	"github.com/urgood/voiceusage/internal/usage"
)

// Analytics event names emitted by the API
const (
	EventSessionStarted = "voice_session_started"
	EventSessionEnded   = "voice_session_ended"
)

const (
	// ReasonUsageUnavailable is reported when usage could not be read
	ReasonUsageUnavailable = "usage_unavailable"

	defaultHistoryLimit = 12
	maxHistoryLimit     = 24
	maxBodyBytes        = 1 << 20
)

// UsageTracker is the subset of the usage tracker the API calls
type UsageTracker interface {
	GetUsageSummary(ctx context.Context, userID string) (*usage.Summary, error)
	IncrementSessionsStarted(ctx context.Context, userID string) (*usage.Summary, error)
	IncrementSessionsCompleted(ctx context.Context, userID string, duration any) (*usage.Summary, error)
	UsageHistory(ctx context.Context, userID string, limit int) ([]storage.VoiceUsageRecord, error)
}

// Authorizer decides voice access
type Authorizer interface {
	Authorize(ctx context.Context, req policy.Request) policy.Decision
}

// AuthorizeResponse is returned by POST /api/voice/authorize
type AuthorizeResponse struct {
	Authorized    bool         `json:"authorized"`
	Reason        string       `json:"reason"`
	Message       string       `json:"message,omitempty"`
	Tier          string       `json:"tier"`
	DailySessions usage.Status `json:"dailySessions"`
}

// SessionResponse is returned by the session start and end routes
type SessionResponse struct {
	Success       bool         `json:"success"`
	Message       string       `json:"message,omitempty"`
	DailySessions usage.Status `json:"dailySessions"`
}

// UsageResponse is returned by GET /api/voice/usage
type UsageResponse struct {
	DailySessions  usage.Status `json:"dailySessions"`
	SecondsUsed    int64        `json:"secondsUsed"`
	SoftCapSeconds int64        `json:"softCapSeconds"`
	PeriodStart    time.Time    `json:"periodStart"`
	PeriodEnd      time.Time    `json:"periodEnd"`
	LastSessionAt  *time.Time   `json:"lastSessionAt"`
}

// sessionEndRequest fields are decoded loosely and sanitized by the tracker
type sessionEndRequest struct {
	Duration     any `json:"duration"`
	MessageCount any `json:"messageCount"`
}

// VoiceHandler serves the voice usage routes
type VoiceHandler struct {
	tracker    UsageTracker
	authorizer Authorizer
	events     usage.EventTracker
	logger     zerolog.Logger
}

// NewVoiceHandler creates a new voice handler
func NewVoiceHandler(tracker UsageTracker, authorizer Authorizer, events usage.EventTracker, logger zerolog.Logger) *VoiceHandler {
	if events == nil {
		events = noopEvents{}
	}
	return &VoiceHandler{
		tracker:    tracker,
		authorizer: authorizer,
		events:     events,
		logger:     logger.With().Str("handler", "voice").Logger(),
	}
}

// Authorize reports whether the caller may open a voice session
func (h *VoiceHandler) Authorize(w http.ResponseWriter, r *http.Request) {
	identity, ok := IdentityFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	summary, err := h.tracker.GetUsageSummary(r.Context(), identity.UserID)
	if err != nil {
		h.logger.Error().Err(err).Str("user_id", identity.UserID).Msg("Failed to read usage for authorization")
		writeJSON(w, http.StatusServiceUnavailable, AuthorizeResponse{
			Authorized:    false,
			Reason:        ReasonUsageUnavailable,
			Message:       "Voice usage is temporarily unavailable",
			Tier:          identity.Tier,
			DailySessions: usage.UnavailableStatus(),
		})
		return
	}

	record := summary.Record
	decision := h.authorizer.Authorize(r.Context(), policy.Request{
		UserID: identity.UserID,
		Tier:   identity.Tier,
		Usage: policy.UsageFacts{
			SecondsUsed:       record.SecondsUsed,
			SoftCapSeconds:    usage.SoftCapSeconds,
			SoftCapReached:    summary.SoftCapReached,
			SessionsStarted:   record.SessionsStarted,
			SessionsCompleted: record.SessionsCompleted,
		},
	})

	status := http.StatusOK
	if !decision.Allowed {
		status = http.StatusForbidden
	}

	writeJSON(w, status, AuthorizeResponse{
		Authorized:    decision.Allowed,
		Reason:        decision.Reason,
		Message:       decision.Message,
		Tier:          identity.Tier,
		DailySessions: summary.Status(),
	})
}

// StartSession records the start of a voice session
func (h *VoiceHandler) StartSession(w http.ResponseWriter, r *http.Request) {
	identity, ok := IdentityFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	summary, err := h.tracker.IncrementSessionsStarted(r.Context(), identity.UserID)
	if err != nil {
		h.logger.Error().Err(err).Str("user_id", identity.UserID).Msg("Failed to record session start")
		writeUnavailable(w)
		return
	}

	h.events.Track(EventSessionStarted, identity.UserID, map[string]any{
		"tier":             identity.Tier,
		"sessions_started": summary.Record.SessionsStarted,
		"soft_cap_reached": summary.SoftCapReached,
	})

	writeJSON(w, http.StatusOK, SessionResponse{
		Success:       true,
		DailySessions: summary.Status(),
	})
}

// EndSession records a completed voice session and its duration
func (h *VoiceHandler) EndSession(w http.ResponseWriter, r *http.Request) {
	identity, ok := IdentityFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	var req sessionEndRequest
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	decoder.UseNumber()
	if err := decoder.Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	duration := usage.SanitizeDuration(req.Duration)
	messageCount := usage.SanitizeCount(req.MessageCount)

	summary, err := h.tracker.IncrementSessionsCompleted(r.Context(), identity.UserID, duration)
	if err != nil {
		h.logger.Error().Err(err).Str("user_id", identity.UserID).Msg("Failed to record session end")
		writeUnavailable(w)
		return
	}

	h.events.Track(EventSessionEnded, identity.UserID, map[string]any{
		"tier":             identity.Tier,
		"duration":         duration,
		"messageCount":     messageCount,
		"seconds_used":     summary.Record.SecondsUsed,
		"soft_cap_reached": summary.SoftCapReached,
	})

	writeJSON(w, http.StatusOK, SessionResponse{
		Success:       true,
		DailySessions: summary.Status(),
	})
}

// Usage returns the caller's current month
func (h *VoiceHandler) Usage(w http.ResponseWriter, r *http.Request) {
	identity, ok := IdentityFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	summary, err := h.tracker.GetUsageSummary(r.Context(), identity.UserID)
	if err != nil {
		h.logger.Error().Err(err).Str("user_id", identity.UserID).Msg("Failed to read usage")
		writeUnavailable(w)
		return
	}

	record := summary.Record
	writeJSON(w, http.StatusOK, UsageResponse{
		DailySessions:  summary.Status(),
		SecondsUsed:    record.SecondsUsed,
		SoftCapSeconds: usage.SoftCapSeconds,
		PeriodStart:    record.PeriodStart,
		PeriodEnd:      record.PeriodEnd,
		LastSessionAt:  record.LastSessionAt,
	})
}

// History returns the caller's monthly records, newest first
func (h *VoiceHandler) History(w http.ResponseWriter, r *http.Request) {
	identity, ok := IdentityFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	limit := defaultHistoryLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxHistoryLimit)
	}

	records, err := h.tracker.UsageHistory(r.Context(), identity.UserID, limit)
	if err != nil {
		h.logger.Error().Err(err).Str("user_id", identity.UserID).Msg("Failed to list usage history")
		writeUnavailable(w)
		return
	}
	if records == nil {
		records = []storage.VoiceUsageRecord{}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"records": records,
		"count":   len(records),
	})
}

// writeUnavailable never reports the user as available when usage could
// not be read.
func writeUnavailable(w http.ResponseWriter) {
	writeJSON(w, http.StatusServiceUnavailable, SessionResponse{
		Success:       false,
		Message:       "Voice usage is temporarily unavailable",
		DailySessions: usage.UnavailableStatus(),
	})
}

type noopEvents struct{}

func (noopEvents) Track(string, string, map[string]any) {}

package policy

import (
	"context"
	"fmt"
	"strconv"

	"github.com/rs/zerolog"
	"github.com/urgood/voiceusage/internal/metrics"
	"github.com/urgood/voiceusage/internal/policy/opa"
)

// ReasonPolicyError is reported when the policy could not be evaluated
const ReasonPolicyError = "policy_error"

// Decision is a voice authorization decision
type Decision = opa.Decision

// UsageFacts describes the user's current month
type UsageFacts struct {
	SecondsUsed       int64
	SoftCapSeconds    int64
	SoftCapReached    bool
	SessionsStarted   int64
	SessionsCompleted int64
}

// Request holds the facts for one authorization
type Request struct {
	UserID string
	Tier   string
	Usage  UsageFacts
}

// Config holds policy engine configuration
type Config struct {
	PolicyDir    string
	AllowedTiers []string
}

// Engine decides voice access by gathering facts and calling OPA
type Engine struct {
	opaEngine *opa.Engine
	logger    zerolog.Logger
}

// NewEngine creates a new fact-based policy engine
func NewEngine(config Config, logger zerolog.Logger) (*Engine, error) {
	tiers := make([]interface{}, 0, len(config.AllowedTiers))
	for _, tier := range config.AllowedTiers {
		tiers = append(tiers, tier)
	}

	opaEngine, err := opa.NewEngine(opa.Config{
		PolicyDir: config.PolicyDir,
		Data: map[string]interface{}{
			"allowed_tiers": tiers,
		},
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize OPA engine: %w", err)
	}

	return &Engine{
		opaEngine: opaEngine,
		logger:    logger.With().Str("component", "policy").Logger(),
	}, nil
}

// Authorize evaluates voice access. Evaluation failures deny.
func (e *Engine) Authorize(ctx context.Context, req Request) Decision {
	decision, err := e.opaEngine.Evaluate(ctx, buildInput(req))
	if err != nil {
		e.logger.Error().Err(err).Str("user_id", req.UserID).Msg("OPA evaluation failed, denying voice access")
		decision = &Decision{
			Allowed: false,
			Reason:  ReasonPolicyError,
			Message: "Voice chat is temporarily unavailable.",
		}
	}

	metrics.PolicyDecisions.WithLabelValues(strconv.FormatBool(decision.Allowed), decision.Reason).Inc()

	e.logger.Debug().
		Str("user_id", req.UserID).
		Str("tier", req.Tier).
		Bool("allowed", decision.Allowed).
		Str("reason", decision.Reason).
		Msg("Voice authorization decided")

	return *decision
}

// Reload reloads the policy files
func (e *Engine) Reload() error {
	return e.opaEngine.Reload()
}

// Modules returns the loaded policy files
func (e *Engine) Modules() []string {
	return e.opaEngine.Modules()
}

func buildInput(req Request) map[string]interface{} {
	return map[string]interface{}{
		"user_id": req.UserID,
		"tier":    req.Tier,
		"usage": map[string]interface{}{
			"seconds_used":       req.Usage.SecondsUsed,
			"soft_cap_seconds":   req.Usage.SoftCapSeconds,
			"soft_cap_reached":   req.Usage.SoftCapReached,
			"sessions_started":   req.Usage.SessionsStarted,
			"sessions_completed": req.Usage.SessionsCompleted,
		},
	}
}

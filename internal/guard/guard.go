// Package guard implements the request-gating pipeline every inbound API
// request passes through: authenticate the presented key, enforce its
// policy, meter usage, and record the outcome.
package guard

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/verigate/api-gate/internal/models"
	"github.com/verigate/api-gate/internal/storage"
)

// Code classifies a denial for the caller.
type Code string

const (
	// Unauthenticated means no credential was presented or it is unknown.
	Unauthenticated Code = "unauthenticated"
	// Forbidden means the credential is known but policy denied it.
	Forbidden Code = "forbidden"
	// Internal means the pipeline itself failed; the caller only ever
	// sees a generic message.
	Internal Code = "internal"
)

// Denial is the typed rejection returned by Authorize.
type Denial struct {
	Code    Code
	Message string
}

func (d *Denial) Error() string { return d.Message }

// HTTPStatus maps the denial code to a response status.
func (d *Denial) HTTPStatus() int {
	switch d.Code {
	case Unauthenticated:
		return 401
	case Forbidden:
		return 403
	default:
		return 500
	}
}

// Request carries the caller context the pipeline decides on. Everything
// is passed explicitly; the guard reads no ambient request state.
type Request struct {
	Secret       string
	OriginHeader string // Origin or Referer header value, may be empty
	SourceAddr   string // client network address
	Endpoint     string
	Method       string
	Path         string
}

// Guard composes the key registry, usage stats, and activity log into the
// single admission decision.
type Guard struct {
	keys     *storage.KeyRegistry
	stats    *storage.UsageStats
	activity *storage.ActivityLog
	logger   *zap.Logger
	now      func() time.Time
}

// New creates an access guard.
func New(keys *storage.KeyRegistry, stats *storage.UsageStats, activity *storage.ActivityLog, logger *zap.Logger) *Guard {
	return &Guard{
		keys:     keys,
		stats:    stats,
		activity: activity,
		logger:   logger,
		now:      time.Now,
	}
}

// Authorize runs the gating pipeline and terminates at the first failing
// step. On admission the key's usage counter has already been incremented
// and the outcome recorded; the caller then performs the gated operation.
// On denial the failure has been counted and logged.
func (g *Guard) Authorize(ctx context.Context, req Request) (*models.APIKey, *Denial) {
	if req.Secret == "" {
		return nil, g.reject(ctx, req, "", &Denial{Unauthenticated, "API key is required"})
	}

	key, err := g.keys.FindBySecret(ctx, req.Secret)
	if err != nil {
		return nil, g.internalFailure(ctx, req, req.Secret, err)
	}
	if key == nil {
		return nil, g.reject(ctx, req, req.Secret, &Denial{Unauthenticated, "Invalid API key"})
	}

	if !key.IsValid(g.now()) {
		// Pick the most actionable message: quota first, then the
		// administrative kill-switch, then expiry.
		message := "API key has expired"
		switch {
		case key.QuotaExceeded():
			message = "API key has exceeded usage limits"
		case !key.Active:
			message = "API key has been deactivated"
		}
		return nil, g.reject(ctx, req, req.Secret, &Denial{Forbidden, message})
	}

	originHost := models.ResolveOriginHost(req.OriginHeader)
	// SourceAddr may arrive as host:port from callers outside the HTTP
	// stack; only the host takes part in the allow-list check.
	sourceHost := models.ClientAddr(req.SourceAddr)
	if !key.MatchesOrigin(originHost, sourceHost) {
		message := fmt.Sprintf("IP %s is not allowed for this API key", sourceHost)
		if originHost != "" {
			message = fmt.Sprintf("Origin %s is not allowed for this API key", originHost)
		}
		return nil, g.reject(ctx, req, req.Secret, &Denial{Forbidden, message})
	}

	if err := g.keys.IncrementHits(ctx, key.ID); err != nil {
		return nil, g.internalFailure(ctx, req, req.Secret, err)
	}
	key.HitsUsed++

	if err := g.stats.RecordOutcome(ctx, true, req.Endpoint); err != nil {
		g.logger.Error("Failed to record success stat", zap.Error(err))
	}
	// Carries no subject name, so this is suppressed unless the gated
	// handler later appends its own entry with the verified subject.
	if _, err := g.activity.Append(ctx, req.Secret, req.Endpoint, g.detail(req, ""), true, req.SourceAddr); err != nil {
		g.logger.Error("Failed to append success activity", zap.Error(err))
	}

	return key, nil
}

// reject records the failed request and returns the denial unchanged.
func (g *Guard) reject(ctx context.Context, req Request, apiKey string, d *Denial) *Denial {
	if err := g.stats.RecordOutcome(ctx, false, req.Endpoint); err != nil {
		g.logger.Error("Failed to record failure stat", zap.Error(err))
	}
	if _, err := g.activity.Append(ctx, apiKey, req.Endpoint, g.detail(req, d.Message), false, req.SourceAddr); err != nil {
		g.logger.Error("Failed to append failure activity", zap.Error(err))
	}
	g.logger.Warn("Request denied",
		zap.String("endpoint", req.Endpoint),
		zap.String("reason", d.Message),
		zap.String("client_addr", req.SourceAddr),
	)
	return d
}

// internalFailure converts an unexpected error into the generic Internal
// denial. The raw error goes to the log and the audit detail only, never
// to the caller.
func (g *Guard) internalFailure(ctx context.Context, req Request, apiKey string, err error) *Denial {
	g.logger.Error("Gating pipeline failure",
		zap.String("endpoint", req.Endpoint),
		zap.Error(err),
	)
	if statErr := g.stats.RecordOutcome(ctx, false, req.Endpoint); statErr != nil {
		g.logger.Error("Failed to record failure stat", zap.Error(statErr))
	}
	detail := g.detail(req, fmt.Sprintf("Internal server error: %v", err))
	if _, logErr := g.activity.Append(ctx, apiKey, req.Endpoint, detail, false, req.SourceAddr); logErr != nil {
		g.logger.Error("Failed to append failure activity", zap.Error(logErr))
	}
	return &Denial{Internal, "Internal server error"}
}

func (g *Guard) detail(req Request, errMessage string) models.ActivityDetail {
	origin := req.OriginHeader
	if origin == "" {
		origin = req.SourceAddr
	}
	if origin == "" {
		origin = "unknown"
	}
	return models.ActivityDetail{
		Error:      errMessage,
		Endpoint:   req.Endpoint,
		Method:     req.Method,
		Path:       req.Path,
		RemoteAddr: req.SourceAddr,
		Origin:     origin,
	}
}

package ingest

import (
	"context"
	"errors"
	"strings"
	"time"

	"costguardian/internal/apperr"
	"costguardian/internal/logging"
	"costguardian/internal/metrics"
	"costguardian/internal/models"
	"costguardian/internal/ratelimit"
	"costguardian/internal/storage"
)

// OriginPrefix marks identities derived from the caller's network origin,
// used when no credential or token authenticates the request. Many callers
// behind one NAT share a bucket; that coarsening is accepted, not refined.
const OriginPrefix = "ip:"

// Outcome classifies the result of one ingestion attempt.
type Outcome string

const (
	OutcomeAccepted  Outcome = "accepted"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeRejected  Outcome = "rejected"
)

// Result is returned for every ingestion attempt that reached a decision.
type Result struct {
	Outcome Outcome
	Reason  string

	// Record is set only for accepted submissions.
	Record *models.UsageRecord

	// RetryAfter is set when the rejection was a rate limit.
	RetryAfter time.Duration
}

// IdentityChecker validates that a credential identity exists and is active.
type IdentityChecker interface {
	CheckActive(ctx context.Context, id string) error
}

// CostEstimator prices one call in nano-USD.
type CostEstimator interface {
	Estimate(model string, promptTokens, completionTokens int64) (int64, error)
}

// UsageAppender stores one validated usage fact.
type UsageAppender interface {
	Append(ctx context.Context, sub models.UsageSubmission, costNanos int64) (*models.UsageRecord, error)
}

// Pipeline composes the admission check, identity validation, cost
// calculation and the usage append, in that order. Rate-limit and identity
// checks are synchronous in-memory/local operations; nothing here calls out
// over the network.
type Pipeline struct {
	limiter  ratelimit.Limiter
	identity IdentityChecker
	pricing  CostEstimator
	usage    UsageAppender
	registry *metrics.Registry
}

// NewPipeline wires the ingestion pipeline. The rate limiter instance is
// passed in explicitly; there is no package-level limiter state.
func NewPipeline(limiter ratelimit.Limiter, identity IdentityChecker, pricing CostEstimator, usage UsageAppender, registry *metrics.Registry) *Pipeline {
	return &Pipeline{
		limiter:  limiter,
		identity: identity,
		pricing:  pricing,
		usage:    usage,
		registry: registry,
	}
}

// Ingest runs one submission through the pipeline. Rejections come back as
// a Result with a reason plus the structured error describing it; storage
// failures are surfaced distinctly so the caller can decide whether to
// retry.
func (p *Pipeline) Ingest(ctx context.Context, sub models.UsageSubmission) (Result, error) {
	if sub.Identity == "" {
		p.registry.IncRejected()
		return rejected("missing identity"), apperr.Validation("identity is required")
	}

	if decision := p.limiter.Allow(sub.Identity); !decision.Allowed {
		p.registry.IncRateLimited()
		result := rejected("rate limited")
		result.RetryAfter = decision.RetryAfter
		return result, apperr.RateLimited(decision.RetryAfter)
	}

	if !strings.HasPrefix(sub.Identity, OriginPrefix) {
		if err := p.identity.CheckActive(ctx, sub.Identity); err != nil {
			if apperr.IsKind(err, apperr.KindNotFound) {
				p.registry.IncRejected()
				return rejected("unknown identity"), err
			}
			p.registry.IncStorageErrors()
			return Result{}, err
		}
	}

	if err := sub.Validate(); err != nil {
		p.registry.IncRejected()
		return rejected(err.Error()), apperr.Validation("%s", err.Error())
	}

	costNanos, err := p.pricing.Estimate(sub.Model, sub.PromptTokens, sub.CompletionTokens)
	if err != nil {
		p.registry.IncRejected()
		return rejected("unpriced model"), err
	}

	record, err := p.usage.Append(ctx, sub, costNanos)
	if err != nil {
		if errors.Is(err, storage.ErrDuplicateUsage) {
			p.registry.IncDuplicates()
			logging.Debugf("duplicate usage submission identity=%s model=%s", sub.Identity, sub.Model)
			return Result{Outcome: OutcomeDuplicate}, nil
		}
		p.registry.IncStorageErrors()
		return Result{}, apperr.Storage("failed to append usage record", err)
	}

	p.registry.IncAdmitted()
	return Result{Outcome: OutcomeAccepted, Record: record}, nil
}

func rejected(reason string) Result {
	return Result{Outcome: OutcomeRejected, Reason: reason}
}

package ingest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"costguardian/internal/apperr"
	"costguardian/internal/metrics"
	"costguardian/internal/models"
	"costguardian/internal/pricing"
	"costguardian/internal/ratelimit"
	"costguardian/internal/storage"
)

type fakeIdentity struct {
	active map[string]bool
	err    error
	calls  int
}

func (f *fakeIdentity) CheckActive(ctx context.Context, id string) error {
	f.calls++
	if f.err != nil {
		return f.err
	}
	if !f.active[id] {
		return apperr.NotFound("credential %s not found", id)
	}
	return nil
}

type fakeAppender struct {
	records []*models.UsageRecord
	err     error
}

func (f *fakeAppender) Append(ctx context.Context, sub models.UsageSubmission, costNanos int64) (*models.UsageRecord, error) {
	if f.err != nil {
		return nil, f.err
	}
	rec := &models.UsageRecord{
		ID:               int64(len(f.records) + 1),
		Identity:         sub.Identity,
		Model:            sub.Model,
		PromptTokens:     sub.PromptTokens,
		CompletionTokens: sub.CompletionTokens,
		TotalTokens:      sub.PromptTokens + sub.CompletionTokens,
		CostNanos:        costNanos,
		Timestamp:        time.Now().UTC(),
	}
	f.records = append(f.records, rec)
	return rec, nil
}

type pipelineFixture struct {
	pipeline *Pipeline
	identity *fakeIdentity
	appender *fakeAppender
	registry *metrics.Registry
}

func newPipelineFixture(limiter ratelimit.Limiter) *pipelineFixture {
	identity := &fakeIdentity{active: map[string]bool{"cred-1": true}}
	appender := &fakeAppender{}
	registry := metrics.NewRegistry()
	return &pipelineFixture{
		pipeline: NewPipeline(limiter, identity, pricing.Default(), appender, registry),
		identity: identity,
		appender: appender,
		registry: registry,
	}
}

func validSubmission(identity string) models.UsageSubmission {
	return models.UsageSubmission{
		Identity:         identity,
		Model:            "gpt-4o-mini",
		PromptTokens:     100,
		CompletionTokens: 50,
	}
}

func TestIngest_Accepted(t *testing.T) {
	f := newPipelineFixture(ratelimit.NewNoopLimiter())

	result, err := f.pipeline.Ingest(context.Background(), validSubmission("cred-1"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeAccepted, result.Outcome)
	require.NotNil(t, result.Record)
	assert.Equal(t, int64(45_000), result.Record.CostNanos)
	assert.Equal(t, int64(150), result.Record.TotalTokens)

	assert.Equal(t, int64(1), f.registry.Snapshot().Admitted)
}

func TestIngest_MissingIdentity(t *testing.T) {
	f := newPipelineFixture(ratelimit.NewNoopLimiter())

	result, err := f.pipeline.Ingest(context.Background(), validSubmission(""))
	require.Error(t, err)
	assert.True(t, apperr.IsKind(err, apperr.KindValidation))
	assert.Equal(t, OutcomeRejected, result.Outcome)
	assert.Empty(t, f.appender.records)
}

func TestIngest_RateLimited(t *testing.T) {
	limiter := ratelimit.NewTokenBucketLimiter(ratelimit.Config{RequestsPerMinute: 60, Burst: 1})
	f := newPipelineFixture(limiter)
	ctx := context.Background()

	result, err := f.pipeline.Ingest(ctx, validSubmission("cred-1"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeAccepted, result.Outcome)

	result, err = f.pipeline.Ingest(ctx, validSubmission("cred-1"))
	require.Error(t, err)
	assert.True(t, apperr.IsKind(err, apperr.KindRateLimited))
	assert.Equal(t, OutcomeRejected, result.Outcome)
	assert.GreaterOrEqual(t, result.RetryAfter, time.Second)

	// Nothing was stored for the rejected submission.
	assert.Len(t, f.appender.records, 1)
	assert.Equal(t, int64(1), f.registry.Snapshot().RateLimited)
}

func TestIngest_RateLimitCheckedBeforeValidation(t *testing.T) {
	// A garbage submission still consumes a token: the admission check is
	// first so callers cannot probe for free.
	limiter := ratelimit.NewTokenBucketLimiter(ratelimit.Config{RequestsPerMinute: 60, Burst: 1})
	f := newPipelineFixture(limiter)
	ctx := context.Background()

	bad := validSubmission("cred-1")
	bad.Model = ""
	_, err := f.pipeline.Ingest(ctx, bad)
	assert.True(t, apperr.IsKind(err, apperr.KindValidation))

	_, err = f.pipeline.Ingest(ctx, validSubmission("cred-1"))
	assert.True(t, apperr.IsKind(err, apperr.KindRateLimited))
}

func TestIngest_UnknownCredential(t *testing.T) {
	f := newPipelineFixture(ratelimit.NewNoopLimiter())

	result, err := f.pipeline.Ingest(context.Background(), validSubmission("cred-unknown"))
	require.Error(t, err)
	assert.True(t, apperr.IsKind(err, apperr.KindNotFound))
	assert.Equal(t, OutcomeRejected, result.Outcome)
	assert.Equal(t, "unknown identity", result.Reason)
}

func TestIngest_OriginIdentitySkipsCredentialCheck(t *testing.T) {
	f := newPipelineFixture(ratelimit.NewNoopLimiter())

	result, err := f.pipeline.Ingest(context.Background(), validSubmission(OriginPrefix+"203.0.113.7"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeAccepted, result.Outcome)
	assert.Zero(t, f.identity.calls)
}

func TestIngest_InvalidSubmission(t *testing.T) {
	f := newPipelineFixture(ratelimit.NewNoopLimiter())

	sub := validSubmission("cred-1")
	sub.PromptTokens = -5
	result, err := f.pipeline.Ingest(context.Background(), sub)
	require.Error(t, err)
	assert.True(t, apperr.IsKind(err, apperr.KindValidation))
	assert.Equal(t, OutcomeRejected, result.Outcome)
}

func TestIngest_UnknownModel(t *testing.T) {
	f := newPipelineFixture(ratelimit.NewNoopLimiter())

	sub := validSubmission("cred-1")
	sub.Model = "not-a-model"
	result, err := f.pipeline.Ingest(context.Background(), sub)
	require.Error(t, err)
	assert.True(t, apperr.IsKind(err, apperr.KindUnknownModel))
	assert.Equal(t, OutcomeRejected, result.Outcome)
	assert.Equal(t, "unpriced model", result.Reason)
	assert.Empty(t, f.appender.records)
}

func TestIngest_DuplicateIsNoOp(t *testing.T) {
	f := newPipelineFixture(ratelimit.NewNoopLimiter())
	f.appender.err = storage.ErrDuplicateUsage

	result, err := f.pipeline.Ingest(context.Background(), validSubmission("cred-1"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicate, result.Outcome)
	assert.Nil(t, result.Record)
	assert.Equal(t, int64(1), f.registry.Snapshot().Duplicates)
}

func TestIngest_StorageErrorSurfaces(t *testing.T) {
	f := newPipelineFixture(ratelimit.NewNoopLimiter())
	f.appender.err = errors.New("disk on fire")

	_, err := f.pipeline.Ingest(context.Background(), validSubmission("cred-1"))
	require.Error(t, err)

	// Storage failures are never converted into a success.
	assert.True(t, apperr.IsKind(err, apperr.KindStorage))
	assert.Equal(t, int64(1), f.registry.Snapshot().StorageErrors)
	assert.Equal(t, int64(0), f.registry.Snapshot().Admitted)
}

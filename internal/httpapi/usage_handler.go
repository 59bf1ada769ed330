package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"costguardian/internal/ingest"
	"costguardian/internal/logging"
	"costguardian/internal/metrics"
	"costguardian/internal/models"
	"costguardian/internal/ratelimit"
	"costguardian/internal/storage"
	"costguardian/internal/utils"
)

// UsageHandler serves the usage log: ingestion, queries, aggregates, reset
// and the counters endpoint.
type UsageHandler struct {
	pipeline   *ingest.Pipeline
	usage      *storage.UsageRepository
	creds      *storage.CredentialRepository
	db         *storage.DB
	registry   *metrics.Registry
	limiter    *ratelimit.TokenBucketLimiter
	production bool
}

// NewUsageHandler creates the usage handler.
func NewUsageHandler(pipeline *ingest.Pipeline, usage *storage.UsageRepository, creds *storage.CredentialRepository, db *storage.DB, registry *metrics.Registry, limiter *ratelimit.TokenBucketLimiter, production bool) *UsageHandler {
	return &UsageHandler{
		pipeline:   pipeline,
		usage:      usage,
		creds:      creds,
		db:         db,
		registry:   registry,
		limiter:    limiter,
		production: production,
	}
}

// Ping handles GET /ping - liveness plus a storage health check.
func (h *UsageHandler) Ping(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		utils.RespondWithError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	status := "ok"
	code := http.StatusOK
	if err := h.db.Health(r.Context()); err != nil {
		logging.Errorf("health check failed: %v", err)
		status = "degraded"
		code = http.StatusServiceUnavailable
	}
	utils.RespondWithJSON(w, code, map[string]string{"status": status})
}

// logRequest is the ingestion payload. The identity comes from the resolved
// caller, never from the body.
type logRequest struct {
	Model            string `json:"model"`
	PromptTokens     int64  `json:"prompt_tokens"`
	CompletionTokens int64  `json:"completion_tokens"`
	Timestamp        string `json:"timestamp,omitempty"`
}

type logResponse struct {
	Status  string           `json:"status"`
	Record  *usageRecordView `json:"record,omitempty"`
	CostUSD string           `json:"cost_usd,omitempty"`
}

// usageRecordView is the wire form of a usage record; the cost rides along as
// an exact decimal string.
type usageRecordView struct {
	ID               int64     `json:"id"`
	Identity         string    `json:"identity"`
	Model            string    `json:"model"`
	PromptTokens     int64     `json:"prompt_tokens"`
	CompletionTokens int64     `json:"completion_tokens"`
	TotalTokens      int64     `json:"total_tokens"`
	CostUSD          string    `json:"cost_usd"`
	Timestamp        time.Time `json:"timestamp"`
}

func recordView(rec *models.UsageRecord) *usageRecordView {
	return &usageRecordView{
		ID:               rec.ID,
		Identity:         rec.Identity,
		Model:            rec.Model,
		PromptTokens:     rec.PromptTokens,
		CompletionTokens: rec.CompletionTokens,
		TotalTokens:      rec.TotalTokens,
		CostUSD:          models.FormatUSD(rec.CostNanos),
		Timestamp:        rec.Timestamp,
	}
}

// Log handles POST /log - run one submission through the ingestion pipeline.
func (h *UsageHandler) Log(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		utils.RespondWithError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req logRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		utils.RespondWithError(w, http.StatusBadRequest, "invalid request payload")
		return
	}

	identity, ok := GetIdentity(r.Context())
	if !ok {
		utils.RespondWithError(w, http.StatusUnauthorized, "no caller identity")
		return
	}

	sub := models.UsageSubmission{
		Identity:         identity,
		Model:            req.Model,
		PromptTokens:     req.PromptTokens,
		CompletionTokens: req.CompletionTokens,
	}
	if req.Timestamp != "" {
		ts, err := time.Parse(time.RFC3339Nano, req.Timestamp)
		if err != nil {
			utils.RespondWithError(w, http.StatusBadRequest, "timestamp must be RFC 3339")
			return
		}
		sub.Timestamp = ts
	}

	result, err := h.pipeline.Ingest(r.Context(), sub)
	if err != nil {
		respondAppError(w, err, h.production)
		return
	}

	switch result.Outcome {
	case ingest.OutcomeAccepted:
		utils.RespondWithJSON(w, http.StatusAccepted, logResponse{
			Status:  "accepted",
			Record:  recordView(result.Record),
			CostUSD: models.FormatUSD(result.Record.CostNanos),
		})
	case ingest.OutcomeDuplicate:
		// Replaying the same fact is a success, not an error.
		utils.RespondWithJSON(w, http.StatusOK, logResponse{Status: "duplicate"})
	default:
		utils.RespondWithError(w, http.StatusBadRequest, result.Reason)
	}
}

// Data handles GET /data - paginated usage history, oldest first.
func (h *UsageHandler) Data(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		utils.RespondWithError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	filter, err := parseUsageFilter(r)
	if err != nil {
		utils.RespondWithError(w, http.StatusBadRequest, err.Error())
		return
	}

	records, err := h.usage.Query(r.Context(), filter)
	if err != nil {
		respondAppError(w, err, h.production)
		return
	}

	views := make([]*usageRecordView, 0, len(records))
	var nextAfterID int64
	for _, rec := range records {
		views = append(views, recordView(rec))
		nextAfterID = rec.ID
	}

	resp := map[string]interface{}{
		"records": views,
		"count":   len(views),
	}
	if len(views) > 0 {
		resp["next_after_id"] = nextAfterID
	}
	utils.RespondWithJSON(w, http.StatusOK, resp)
}

// Aggregate handles GET /aggregate - token and cost totals over a filter.
func (h *UsageHandler) Aggregate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		utils.RespondWithError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	filter, err := parseUsageFilter(r)
	if err != nil {
		utils.RespondWithError(w, http.StatusBadRequest, err.Error())
		return
	}

	agg, err := h.usage.Aggregate(r.Context(), filter)
	if err != nil {
		respondAppError(w, err, h.production)
		return
	}

	utils.RespondWithJSON(w, http.StatusOK, map[string]interface{}{
		"row_count":               agg.RowCount,
		"total_prompt_tokens":     agg.TotalPromptTokens,
		"total_completion_tokens": agg.TotalCompletionTokens,
		"total_tokens":            agg.TotalTokens,
		"total_cost_usd":          models.FormatUSD(agg.TotalCostNanos),
	})
}

// Reset handles DELETE /reset - clear the whole usage log. Admin only; the
// middleware enforces that.
func (h *UsageHandler) Reset(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		utils.RespondWithError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	if err := h.usage.Reset(r.Context()); err != nil {
		respondAppError(w, err, h.production)
		return
	}

	logging.Warningf("usage log reset by admin")
	utils.RespondWithJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

// Metrics handles GET /metrics - operational counters, limiter configuration
// and store statistics in one JSON document.
func (h *UsageHandler) Metrics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		utils.RespondWithError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	ctx := r.Context()
	records, err := h.usage.Count(ctx)
	if err != nil {
		respondAppError(w, err, h.production)
		return
	}
	identities, err := h.usage.CountIdentities(ctx)
	if err != nil {
		respondAppError(w, err, h.production)
		return
	}
	lastUsage, err := h.usage.LastUsageAt(ctx)
	if err != nil {
		respondAppError(w, err, h.production)
		return
	}
	lastCredentialOK, err := h.creds.LastSuccessAt(ctx)
	if err != nil {
		respondAppError(w, err, h.production)
		return
	}

	utils.RespondWithJSON(w, http.StatusOK, map[string]interface{}{
		"counters": h.registry.Snapshot(),
		"rate_limit": map[string]interface{}{
			"config":  h.limiter.Snapshot(),
			"buckets": h.limiter.BucketCount(),
		},
		"store": map[string]interface{}{
			"records":            records,
			"identities":         identities,
			"last_usage_at":      lastUsage,
			"last_credential_ok": lastCredentialOK,
		},
	})
}

// parseUsageFilter reads the shared query parameters of /data and /aggregate.
func parseUsageFilter(r *http.Request) (models.UsageFilter, error) {
	q := r.URL.Query()
	filter := models.UsageFilter{
		Identity: q.Get("identity"),
		Model:    q.Get("model"),
	}

	if raw := q.Get("since"); raw != "" {
		t, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return filter, errBadTime("since")
		}
		filter.Since = t
	}
	if raw := q.Get("until"); raw != "" {
		t, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return filter, errBadTime("until")
		}
		filter.Until = t
	}
	if raw := q.Get("after_id"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || id < 0 {
			return filter, errBadInt("after_id")
		}
		filter.AfterID = id
	}
	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			return filter, errBadInt("limit")
		}
		filter.Limit = limit
	}
	return filter, nil
}

type paramError struct{ msg string }

func (e paramError) Error() string { return e.msg }

func errBadTime(name string) error {
	return paramError{msg: name + " must be an RFC 3339 timestamp"}
}

func errBadInt(name string) error {
	return paramError{msg: name + " must be a non-negative integer"}
}

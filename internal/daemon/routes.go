package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/dmm-sh/dmm/internal/baseline"
	"github.com/dmm-sh/dmm/internal/indexer"
	"github.com/dmm-sh/dmm/internal/memory"
	"github.com/dmm-sh/dmm/internal/pack"
	"github.com/dmm-sh/dmm/internal/queue"
	"github.com/dmm-sh/dmm/internal/reviewer"
	"github.com/dmm-sh/dmm/internal/store"
)

func (d *Daemon) buildRouter() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"http://localhost:*", "http://127.0.0.1:*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", d.handleHealth)
	r.Get("/status", d.handleStatus)
	r.Post("/query", d.handleQuery)
	r.Post("/reindex", d.handleReindex)

	r.Post("/write/propose", d.handlePropose)
	r.Get("/proposals", d.handleListProposals)
	r.Get("/proposals/{id}", d.handleGetProposal)
	r.Post("/review/process/{id}", d.handleProcessReview)
	r.Post("/review/approve/{id}", d.handleApprove)
	r.Post("/review/reject/{id}", d.handleReject)
	r.Post("/commit/{id}", d.handleCommit)

	r.Get("/usage/stats", d.handleUsageStats)
	r.Post("/shutdown", d.handleShutdown)
	return r
}

// healthFields is the common block served by /health and /status.
func (d *Daemon) healthFields(ctx context.Context) (map[string]any, *baseline.Pack, error) {
	indexed, err := d.store.Count(ctx)
	if err != nil {
		return nil, nil, err
	}
	bp, err := d.baseline.GetPack(ctx)
	if err != nil {
		return nil, nil, err
	}
	lastReindex, err := d.store.GetSystemMeta(ctx, indexer.MetaLastFullReindex)
	if err != nil {
		return nil, nil, err
	}
	return map[string]any{
		"status":          "ok",
		"uptime_seconds":  int(time.Since(d.startedAt).Seconds()),
		"indexed_count":   indexed,
		"baseline_tokens": bp.TotalTokens,
		"last_reindex":    lastReindex,
		"watcher_active":  d.watcher != nil && d.watcher.Active(),
		"version":         Version,
	}, bp, nil
}

func (d *Daemon) handleHealth(w http.ResponseWriter, r *http.Request) {
	if d.State() != StateRunning {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "daemon is "+string(d.State()))
		return
	}
	fields, _, err := d.healthFields(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, fields)
}

func (d *Daemon) handleStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	fields, bp, err := d.healthFields(ctx)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	counts, err := d.store.CountByScope(ctx)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	queueStats, err := d.queue.Stats(ctx)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	fields["state"] = d.State()
	fields["pid"] = os.Getpid()
	fields["by_scope"] = counts
	fields["baseline_files"] = len(bp.Entries)
	fields["queue"] = queueStats
	fields["embedder"] = d.embedder.Name()
	writeJSON(w, http.StatusOK, fields)
}

type queryRequest struct {
	Query             string   `json:"query"`
	Budget            int      `json:"budget,omitempty"`
	BaselineBudget    int      `json:"baseline_budget,omitempty"`
	Scopes            []string `json:"scopes,omitempty"`
	ExcludeEphemeral  bool     `json:"exclude_ephemeral,omitempty"`
	IncludeDeprecated bool     `json:"include_deprecated,omitempty"`
	Verbose           bool     `json:"verbose,omitempty"`
}

type queryResponse struct {
	Pack     *pack.MemoryPack `json:"pack"`
	Rendered string           `json:"rendered"`
}

func (d *Daemon) handleQuery(w http.ResponseWriter, r *http.Request) {
	var req queryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid request body")
		return
	}
	if req.Query == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "query is required")
		return
	}
	budget := req.Budget
	if budget <= 0 {
		budget = d.cfg.Retrieval.DefaultBudget
	}
	ctx := r.Context()

	bp, err := d.baseline.GetPack(ctx)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}

	// The caller may pin the baseline reserve; otherwise the actual
	// baseline size is what retrieval has to work around.
	reserve := bp.TotalTokens
	if req.BaselineBudget > 0 {
		reserve = req.BaselineBudget
	}
	retrievalBudget := budget - reserve
	if retrievalBudget < 0 {
		retrievalBudget = 0
	}
	filters := store.DefaultFilters()
	filters.IncludeDeprecated = req.IncludeDeprecated
	filters.ExcludeEphemeral = req.ExcludeEphemeral
	for _, s := range req.Scopes {
		filters.Scopes = append(filters.Scopes, memory.Scope(s))
	}
	rr, err := d.router.Retrieve(ctx, req.Query, retrievalBudget, filters)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}

	p := pack.Assemble(req.Query, bp, rr, budget)

	ids := make([]string, 0, len(p.Retrieved))
	for _, e := range p.Retrieved {
		ids = append(ids, e.ID)
	}
	if err := d.usage.RecordQuery(ctx, req.Query, budget, ids); err != nil {
		// Usage tracking is advisory; the pack still goes out.
		fmt.Fprintf(os.Stderr, "usage tracking: %v\n", err)
	}

	writeJSON(w, http.StatusOK, queryResponse{Pack: p, Rendered: p.Render(req.Verbose)})
}

func (d *Daemon) handleReindex(w http.ResponseWriter, r *http.Request) {
	res, err := d.indexer.ReindexAll(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	d.baseline.Invalidate()
	writeJSON(w, http.StatusOK, res)
}

type proposeRequest struct {
	Type       string `json:"type"`
	TargetPath string `json:"target_path"`
	Content    string `json:"content,omitempty"`
	Reason     string `json:"reason"`
	MemoryID   string `json:"memory_id,omitempty"`
	NewScope   string `json:"new_scope,omitempty"`
	ProposedBy string `json:"proposed_by,omitempty"`
}

type proposeResponse struct {
	ProposalID       string   `json:"proposal_id"`
	Status           string   `json:"status"`
	PrecheckPassed   bool     `json:"precheck_passed"`
	PrecheckWarnings []string `json:"precheck_warnings,omitempty"`
	PrecheckErrors   []string `json:"precheck_errors,omitempty"`
}

func (d *Daemon) handlePropose(w http.ResponseWriter, r *http.Request) {
	var req proposeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid request body")
		return
	}
	p := &queue.Proposal{
		Type:       queue.Type(req.Type),
		TargetPath: req.TargetPath,
		Content:    req.Content,
		Reason:     req.Reason,
		MemoryID:   req.MemoryID,
		NewScope:   req.NewScope,
		ProposedBy: req.ProposedBy,
	}
	if p.ProposedBy == "" {
		p.ProposedBy = "api"
	}

	// Schema precheck at enqueue time. Findings are advisory here: the
	// proposal is queued either way and the full review pass decides.
	warnings, errs := d.precheck(p)

	if err := d.queue.Enqueue(r.Context(), p); err != nil {
		if errors.Is(err, queue.ErrDuplicateID) {
			writeError(w, http.StatusConflict, "conflict", err.Error())
			return
		}
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, proposeResponse{
		ProposalID:       p.ProposalID,
		Status:           string(p.Status),
		PrecheckPassed:   len(errs) == 0,
		PrecheckWarnings: warnings,
		PrecheckErrors:   errs,
	})
}

// precheck runs the parser over content-bearing proposals. Deprecate and
// promote carry no content and pass trivially.
func (d *Daemon) precheck(p *queue.Proposal) (warnings, errs []string) {
	switch p.Type {
	case queue.TypeCreate, queue.TypeUpdate:
	default:
		return nil, nil
	}
	res := d.parser.Parse([]byte(p.Content), p.TargetPath)
	if res.Err != nil {
		return nil, []string{fmt.Sprintf("%s: %s", res.Err.Code, res.Err.Message)}
	}
	for _, warn := range res.Warnings {
		warnings = append(warnings, fmt.Sprintf("%s: %s", warn.Code, warn.Message))
	}
	return warnings, nil
}

func (d *Daemon) handleListProposals(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var (
		proposals []*queue.Proposal
		err       error
	)
	if status := r.URL.Query().Get("status"); status != "" {
		proposals, err = d.queue.GetByStatus(ctx, queue.Status(status))
	} else {
		proposals, err = d.queue.GetAll(ctx)
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"proposals": proposals, "count": len(proposals)})
}

func (d *Daemon) handleGetProposal(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")
	p, err := d.queue.Get(ctx, id)
	if err != nil {
		writeQueueError(w, err)
		return
	}
	history, err := d.queue.GetHistory(ctx, id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"proposal": p, "history": history})
}

// handleProcessReview runs the automated reviewer on one proposal and
// applies its decision to the queue.
func (d *Daemon) handleProcessReview(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")

	p, err := d.queue.Get(ctx, id)
	if err != nil {
		writeQueueError(w, err)
		return
	}
	if p.Status == queue.StatusPending {
		if err := d.queue.UpdateStatus(ctx, id, queue.StatusInReview, "reviewer", ""); err != nil {
			writeQueueError(w, err)
			return
		}
	} else if p.Status != queue.StatusInReview {
		writeError(w, http.StatusConflict, "conflict",
			fmt.Sprintf("proposal is %s, not reviewable", p.Status))
		return
	}

	result, err := d.reviewer.Review(ctx, p)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}

	var next queue.Status
	switch result.Decision {
	case reviewer.DecisionApprove:
		next = queue.StatusApproved
	case reviewer.DecisionReject:
		next = queue.StatusRejected
	default:
		next = queue.StatusDeferred
	}
	if err := d.queue.UpdateStatus(ctx, id, next, "reviewer", result.Notes); err != nil {
		writeQueueError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type decisionRequest struct {
	Notes string `json:"notes,omitempty"`
	Actor string `json:"actor,omitempty"`
}

func (d *Daemon) handleApprove(w http.ResponseWriter, r *http.Request) {
	d.handleDecision(w, r, queue.StatusApproved)
}

func (d *Daemon) handleReject(w http.ResponseWriter, r *http.Request) {
	d.handleDecision(w, r, queue.StatusRejected)
}

// handleDecision applies a human verdict, walking the proposal through
// any intermediate statuses the graph requires.
func (d *Daemon) handleDecision(w http.ResponseWriter, r *http.Request, target queue.Status) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")
	var req decisionRequest
	json.NewDecoder(r.Body).Decode(&req)
	actor := req.Actor
	if actor == "" {
		actor = "human"
	}

	p, err := d.queue.Get(ctx, id)
	if err != nil {
		writeQueueError(w, err)
		return
	}
	for _, step := range pathTo(p.Status, target) {
		if err := d.queue.UpdateStatus(ctx, id, step, actor, req.Notes); err != nil {
			writeQueueError(w, err)
			return
		}
	}
	p, err = d.queue.Get(ctx, id)
	if err != nil {
		writeQueueError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// pathTo expands a human decision into the intermediate transitions the
// status graph requires. Unreachable targets return the direct step and
// let UpdateStatus reject it.
func pathTo(from, target queue.Status) []queue.Status {
	switch from {
	case queue.StatusPending:
		return []queue.Status{queue.StatusInReview, target}
	case queue.StatusDeferred, queue.StatusFailed:
		return []queue.Status{queue.StatusPending, queue.StatusInReview, target}
	default:
		return []queue.Status{target}
	}
}

func (d *Daemon) handleCommit(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")
	res, err := d.committer.Commit(ctx, id)
	if err != nil {
		writeQueueError(w, err)
		return
	}
	status := http.StatusOK
	if !res.Success {
		status = http.StatusConflict
	}
	writeJSON(w, status, res)
}

func (d *Daemon) handleUsageStats(w http.ResponseWriter, r *http.Request) {
	stats, err := d.usage.GetStats(r.Context(), 10)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (d *Daemon) handleShutdown(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "shutting down"})
	go d.RequestShutdown()
}

func writeQueueError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, queue.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, queue.ErrInvalidTransition):
		writeError(w, http.StatusConflict, "conflict", err.Error())
	case errors.Is(err, queue.ErrDuplicateID):
		writeError(w, http.StatusConflict, "conflict", err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, map[string]string{"error": msg, "code": code})
}

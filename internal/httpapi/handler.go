// Package httpapi is the ingress surface: one streaming run endpoint
// plus catalog and account reads. It holds no billing or tracing logic
// of its own; the executor chain it fronts owns all of that.
package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/cognihq/graphcore/internal/graph"
	"github.com/cognihq/graphcore/internal/ledger"
	"github.com/cognihq/graphcore/internal/run"
)

// AccountStore is the slice of the ledger the API reads. *ledger.Store
// satisfies it.
type AccountStore interface {
	DefaultVirtualKey(ctx context.Context, accountID uuid.UUID) (ledger.VirtualKey, error)
	Balance(ctx context.Context, accountID uuid.UUID) (int64, error)
	ListEntries(ctx context.Context, accountID uuid.UUID, f ledger.EntryFilter) ([]ledger.Entry, error)
}

// Handler serves the public v1 API.
type Handler struct {
	exec         graph.Executor
	store        AccountStore
	defaultModel string
	log          *zap.Logger
}

func NewHandler(exec graph.Executor, store AccountStore, defaultModel string, log *zap.Logger) *Handler {
	return &Handler{exec: exec, store: store, defaultModel: defaultModel, log: log}
}

// Register mounts all routes. /healthz and /metrics stay outside the
// account group so probes and scrapers need no identity header.
func (h *Handler) Register(r *gin.Engine) {
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := r.Group("/v1", RequireAccount(h.store))
	v1.POST("/runs", h.handleRun)
	v1.GET("/agents", h.handleAgents)
	v1.GET("/accounts/me/balance", h.handleBalance)
	v1.GET("/accounts/me/ledger", h.handleLedger)
}

type runRequest struct {
	GraphID     string        `json:"graphId" binding:"required"`
	Messages    []run.Message `json:"messages" binding:"required,min=1"`
	Model       string        `json:"model"`
	ToolIDs     []string      `json:"toolIds"`
	SessionID   string        `json:"sessionId"`
	UserID      string        `json:"userId"`
	MaskContent bool          `json:"maskContent"`
}

// handleRun starts a graph run and streams its events as SSE. A run
// refused before producing any event collapses to a plain JSON status
// instead of an empty stream.
func (h *Handler) handleRun(c *gin.Context) {
	var body runRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":  string(run.CodeInvalidRequest),
			"error": "invalid run request: " + err.Error(),
		})
		return
	}

	model := body.Model
	if model == "" {
		model = h.defaultModel
	}
	req := run.Request{
		RunID:            uuid.NewString(),
		IngressRequestID: uuid.NewString(),
		GraphID:          body.GraphID,
		Messages:         body.Messages,
		Model:            model,
		ToolIDs:          body.ToolIDs,
		Caller: run.Caller{
			BillingAccountID: c.MustGet(ctxAccountID).(uuid.UUID),
			VirtualKeyID:     c.MustGet(ctxVirtualKeyID).(uuid.UUID),
			TraceID:          c.GetHeader("X-Trace-Id"),
			SessionID:        body.SessionID,
			UserID:           body.UserID,
			MaskContent:      body.MaskContent,
		},
	}

	ctx := c.Request.Context()
	events, final := h.exec.RunGraph(ctx, req)

	first, ok := <-events
	if !ok {
		fin, err := final.Await(ctx)
		if err != nil {
			return // client gone while the refusal settled
		}
		c.JSON(httpStatus(fin.Code), gin.H{
			"code":  string(fin.Code),
			"error": refusalMessage(fin.Code),
			"runId": req.RunID,
		})
		return
	}

	h.streamSSE(c, req.RunID, first, events)
}

// streamSSE writes each event as one data frame. When the client goes
// away mid-run it keeps consuming the channel without writing: upstream
// stages send without timeouts and rely on the stream being drained to
// close so usage observation and finalization always complete.
func (h *Handler) streamSSE(c *gin.Context, runID string, first run.Event, events <-chan run.Event) {
	w := c.Writer
	hdr := w.Header()
	hdr.Set("Content-Type", "text/event-stream")
	hdr.Set("Cache-Control", "no-cache")
	hdr.Set("Connection", "keep-alive")
	hdr.Set("X-Accel-Buffering", "no")
	hdr.Set("X-Run-Id", runID)
	w.WriteHeader(http.StatusOK)

	clientGone := c.Request.Context().Done()
	write := func(ev run.Event) {
		select {
		case <-clientGone:
			return
		default:
		}
		data, err := json.Marshal(ev)
		if err != nil {
			h.log.Error("encode run event",
				zap.String("run_id", runID),
				zap.String("event_type", string(ev.Type)),
				zap.Error(err))
			return
		}
		fmt.Fprintf(w, "data: %s\n\n", data)
		w.Flush()
	}

	write(first)
	for ev := range events {
		write(ev)
	}
}

func (h *Handler) handleAgents(c *gin.Context) {
	agents, err := h.exec.ListAgents(c.Request.Context())
	if err != nil {
		h.log.Error("list agents failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "agent catalog unavailable"})
		return
	}
	if agents == nil {
		agents = []graph.AgentInfo{}
	}
	c.JSON(http.StatusOK, gin.H{"agents": agents})
}

func (h *Handler) handleBalance(c *gin.Context) {
	accountID := c.MustGet(ctxAccountID).(uuid.UUID)
	balance, err := h.store.Balance(c.Request.Context(), accountID)
	if err != nil {
		h.log.Error("balance query failed",
			zap.String("account_id", accountID.String()),
			zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "balance unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"accountId":      accountID,
		"balanceCredits": balance,
	})
}

func (h *Handler) handleLedger(c *gin.Context) {
	accountID := c.MustGet(ctxAccountID).(uuid.UUID)

	limit := 0
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a non-negative integer"})
			return
		}
		limit = n
	}

	entries, err := h.store.ListEntries(c.Request.Context(), accountID, ledger.EntryFilter{
		Reason: c.Query("reason"),
		Limit:  limit,
	})
	if err != nil {
		h.log.Error("ledger query failed",
			zap.String("account_id", accountID.String()),
			zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "ledger unavailable"})
		return
	}

	out := make([]ledgerEntry, 0, len(entries))
	for _, e := range entries {
		out = append(out, toLedgerEntry(e))
	}
	c.JSON(http.StatusOK, gin.H{"entries": out})
}

// ledgerEntry is the wire shape of one ledger row.
type ledgerEntry struct {
	ID           uuid.UUID       `json:"id"`
	VirtualKeyID *uuid.UUID      `json:"virtualKeyId,omitempty"`
	Amount       int64           `json:"amount"`
	BalanceAfter int64           `json:"balanceAfter"`
	Reason       string          `json:"reason"`
	Reference    string          `json:"reference"`
	Metadata     json.RawMessage `json:"metadata,omitempty"`
	CreatedAt    time.Time       `json:"createdAt"`
}

func toLedgerEntry(e ledger.Entry) ledgerEntry {
	out := ledgerEntry{
		ID:           e.ID,
		Amount:       e.Amount,
		BalanceAfter: e.BalanceAfter,
		Reason:       e.Reason,
		Reference:    e.Reference,
		Metadata:     e.Metadata,
		CreatedAt:    e.CreatedAt,
	}
	if e.VirtualKeyID != uuid.Nil {
		out.VirtualKeyID = &e.VirtualKeyID
	}
	return out
}

package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"approval-service/internal/domain"
	"approval-service/internal/service"
	"approval-service/pkg/response"
	"approval-service/pkg/xerrors"

	"github.com/go-chi/chi/v5"
)

type ApprovalHandler struct {
	executions *service.ExecutionService
	issuer     *service.IssuerService
	decisions  *service.DecisionService
	analytics  *service.AnalyticsService
	events     *service.EventsService
}

func NewApprovalHandler(
	executions *service.ExecutionService,
	issuer *service.IssuerService,
	decisions *service.DecisionService,
	analytics *service.AnalyticsService,
	events *service.EventsService,
) *ApprovalHandler {
	return &ApprovalHandler{
		executions: executions,
		issuer:     issuer,
		decisions:  decisions,
		analytics:  analytics,
		events:     events,
	}
}

// ----------------------
// Executions
// ----------------------

func (h *ApprovalHandler) IngestExecution(w http.ResponseWriter, r *http.Request) {
	var in service.IngestExecutionInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		response.Error(w, http.StatusBadRequest, "invalid request body")
		return
	}

	exec, err := h.executions.Ingest(r.Context(), in)
	if err != nil {
		if errors.Is(err, xerrors.ErrInvalidRequest) {
			response.Error(w, http.StatusBadRequest, err.Error())
			return
		}
		response.Error(w, http.StatusInternalServerError, err.Error())
		return
	}
	response.JSON(w, http.StatusCreated, exec)
}

func (h *ApprovalHandler) GetExecution(w http.ResponseWriter, r *http.Request) {
	exec, err := h.executions.Get(r.Context(), chi.URLParam(r, "executionID"))
	if err != nil {
		if errors.Is(err, xerrors.ErrExecutionNotFound) {
			response.Error(w, http.StatusNotFound, "execution not found")
			return
		}
		response.Error(w, http.StatusInternalServerError, err.Error())
		return
	}
	response.JSON(w, http.StatusOK, exec)
}

// ----------------------
// Token issuance
// ----------------------

type issueTokenRequest struct {
	LeadTimeHours int  `json:"lead_time_hours"`
	SkipIfActive  bool `json:"skip_if_active"`
}

func (h *ApprovalHandler) IssueToken(w http.ResponseWriter, r *http.Request) {
	executionID := chi.URLParam(r, "executionID")

	var req issueTokenRequest
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&req)
	}

	if req.SkipIfActive {
		active, err := h.issuer.HasActiveToken(r.Context(), executionID)
		if err != nil {
			response.Error(w, http.StatusInternalServerError, err.Error())
			return
		}
		if active {
			response.Error(w, http.StatusConflict, "execution already has an active approval token")
			return
		}
	}

	res, err := h.issuer.IssueToken(r.Context(), executionID, time.Duration(req.LeadTimeHours)*time.Hour)
	if err != nil {
		switch {
		case errors.Is(err, xerrors.ErrExecutionNotFound):
			response.Error(w, http.StatusNotFound, "execution not found")
		case errors.Is(err, xerrors.ErrInvalidExecutionState):
			response.Error(w, http.StatusConflict, "execution is not awaiting approval")
		default:
			response.Error(w, http.StatusTooManyRequests, err.Error())
		}
		return
	}
	response.JSON(w, http.StatusCreated, res)
}

func (h *ApprovalHandler) Resend(w http.ResponseWriter, r *http.Request) {
	res, err := h.issuer.Resend(r.Context(), chi.URLParam(r, "executionID"))
	if err != nil {
		switch {
		case errors.Is(err, xerrors.ErrExecutionNotFound):
			response.Error(w, http.StatusNotFound, "execution not found")
		case errors.Is(err, xerrors.ErrInvalidExecutionState):
			response.Error(w, http.StatusConflict, "execution is not awaiting approval")
		default:
			response.Error(w, http.StatusTooManyRequests, err.Error())
		}
		return
	}
	response.JSON(w, http.StatusOK, res)
}

func (h *ApprovalHandler) RevokeToken(w http.ResponseWriter, r *http.Request) {
	ok, err := h.issuer.Revoke(r.Context(), chi.URLParam(r, "tokenID"))
	if err != nil {
		response.Error(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !ok {
		response.Error(w, http.StatusConflict, "token already resolved or expired")
		return
	}
	response.JSON(w, http.StatusOK, map[string]bool{"revoked": true})
}

// ----------------------
// Decisions
// ----------------------

type decisionRequest struct {
	Token  string `json:"token"`
	Action string `json:"action"`
	Reason string `json:"reason,omitempty"`
}

type decisionResponse struct {
	Decided        domain.Decision         `json:"decided,omitempty"`
	AlreadyDecided bool                    `json:"already_decided,omitempty"`
	Execution      *domain.ExecutionRecord `json:"execution,omitempty"`
}

// HandleApprovalLink serves the link embedded in the email:
// GET /approve-gift?token=<secret>&action=<approve|reject|review>
func (h *ApprovalHandler) HandleApprovalLink(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	h.applyDecision(w, r, decisionRequest{
		Token:  q.Get("token"),
		Action: q.Get("action"),
		Reason: q.Get("reason"),
	}, domain.ViaLinkClick)
}

// ApplyDecision is the in-app variant of the same operation.
func (h *ApprovalHandler) ApplyDecision(w http.ResponseWriter, r *http.Request) {
	var req decisionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	h.applyDecision(w, r, req, domain.ViaInApp)
}

func (h *ApprovalHandler) applyDecision(w http.ResponseWriter, r *http.Request, req decisionRequest, via string) {
	if req.Token == "" {
		response.Error(w, http.StatusBadRequest, "missing token")
		return
	}

	if req.Action == service.ActionReview {
		res, err := h.decisions.Review(r.Context(), req.Token)
		if err != nil {
			h.writeDecisionError(w, err, nil)
			return
		}
		response.JSON(w, http.StatusOK, decisionResponse{
			Decided:        res.Decision,
			AlreadyDecided: res.AlreadyDecided,
			Execution:      res.Execution,
		})
		return
	}

	var reason *string
	if req.Reason != "" {
		reason = &req.Reason
	}

	res, err := h.decisions.ApplyDecision(r.Context(), req.Token, req.Action, via, reason)
	if err != nil {
		h.writeDecisionError(w, err, res)
		return
	}
	response.JSON(w, http.StatusOK, decisionResponse{
		Decided:   res.Decision,
		Execution: res.Execution,
	})
}

// writeDecisionError keeps the caller-error taxonomy distinguishable: a
// repeat click is a no-op success showing the prior outcome, expiry and
// unknown tokens each get their own specific message.
func (h *ApprovalHandler) writeDecisionError(w http.ResponseWriter, err error, res *service.DecisionResult) {
	switch {
	case errors.Is(err, xerrors.ErrAlreadyDecided):
		resp := decisionResponse{AlreadyDecided: true}
		if res != nil {
			resp.Decided = res.Decision
		}
		response.JSON(w, http.StatusOK, resp)
	case errors.Is(err, xerrors.ErrTokenExpired):
		response.Error(w, http.StatusGone, "this approval link has expired; the gift was not purchased")
	case errors.Is(err, xerrors.ErrTokenNotFound):
		response.Error(w, http.StatusNotFound, "this approval link is not valid")
	case errors.Is(err, xerrors.ErrInvalidRequest):
		response.Error(w, http.StatusBadRequest, "unsupported action")
	default:
		response.Error(w, http.StatusInternalServerError, err.Error())
	}
}

// ----------------------
// Provider callbacks
// ----------------------

type providerEventRequest struct {
	Token     string                 `json:"token"`
	EventID   string                 `json:"event_id"`
	EventType string                 `json:"event_type"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

func (h *ApprovalHandler) RecordProviderEvent(w http.ResponseWriter, r *http.Request) {
	var req providerEventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.Error(w, http.StatusBadRequest, "invalid request body")
		return
	}

	entry, err := h.events.RecordProviderEvent(r.Context(), req.Token, req.EventID, domain.EventType(req.EventType), req.Data)
	if err != nil {
		switch {
		case errors.Is(err, xerrors.ErrTokenNotFound):
			response.Error(w, http.StatusNotFound, "unknown token")
		case errors.Is(err, xerrors.ErrInvalidRequest):
			response.Error(w, http.StatusBadRequest, "unsupported event type")
		default:
			response.Error(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	if entry == nil {
		// duplicate callback, acknowledged without a second append
		response.JSON(w, http.StatusOK, map[string]bool{"duplicate": true})
		return
	}
	response.JSON(w, http.StatusCreated, entry)
}

// ----------------------
// Operator reads
// ----------------------

func (h *ApprovalHandler) ApprovalStatus(w http.ResponseWriter, r *http.Request) {
	view, err := h.analytics.ExecutionStatus(r.Context(), chi.URLParam(r, "executionID"))
	if err != nil {
		if errors.Is(err, xerrors.ErrTokenNotFound) {
			response.Error(w, http.StatusNotFound, "no approval token for execution")
			return
		}
		response.Error(w, http.StatusInternalServerError, err.Error())
		return
	}
	response.JSON(w, http.StatusOK, view)
}

func (h *ApprovalHandler) Analytics(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	to := time.Now()
	from := to.AddDate(0, -1, 0)
	if v := q.Get("from"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			from = t
		}
	}
	if v := q.Get("to"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			to = t
		}
	}

	report, err := h.analytics.Funnel(r.Context(), from, to)
	if err != nil {
		response.Error(w, http.StatusInternalServerError, err.Error())
		return
	}
	response.JSON(w, http.StatusOK, report)
}

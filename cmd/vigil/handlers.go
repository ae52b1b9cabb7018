package main

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/carlmjohnson/versioninfo"
	"github.com/labstack/echo/v4"

	"github.com/hearth-social/vigil/attest"
	"github.com/hearth-social/vigil/directory"
	"github.com/hearth-social/vigil/ledger"
	"github.com/hearth-social/vigil/moderation"
	"github.com/hearth-social/vigil/sweep"
)

type errorResponse struct {
	Error string `json:"error"`
}

// Maps domain errors onto HTTP statuses. A chain integrity failure is the one
// case that maps to 503: the ledger refuses writes until an operator
// intervenes, and that is a service-level outage, not a client mistake.
func (s *Server) errorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, ledger.ErrChainIntegrity):
		code = http.StatusServiceUnavailable
		s.logger.Error("request refused due to audit chain break", "path", c.Path(), "err", err)
	case errors.Is(err, moderation.ErrConflict), errors.Is(err, moderation.ErrInvalidStateTransition):
		code = http.StatusConflict
	case errors.Is(err, moderation.ErrValidation),
		errors.Is(err, sweep.ErrInvalidDefinition),
		errors.Is(err, ledger.ErrBadRange),
		errors.Is(err, ledger.ErrBadRecord),
		errors.Is(err, attest.ErrEmptyPeriod):
		code = http.StatusBadRequest
	case errors.Is(err, moderation.ErrNotFound):
		code = http.StatusNotFound
	default:
		var he *echo.HTTPError
		if errors.As(err, &he) {
			code = he.Code
		} else {
			s.logger.Error("unhandled request error", "path", c.Path(), "err", err)
		}
	}
	if err := c.JSON(code, errorResponse{Error: err.Error()}); err != nil {
		s.logger.Error("failed to write error response", "err", err)
	}
}

type healthStatus struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	Message string `json:"msg,omitempty"`
}

func (s *Server) handleHealthCheck(c echo.Context) error {
	if s.ledger.Halted() {
		return c.JSON(http.StatusServiceUnavailable, healthStatus{Status: "degraded", Version: versioninfo.Short(), Message: "audit chain broken, appends halted"})
	}
	return c.JSON(http.StatusOK, healthStatus{Status: "ok", Version: versioninfo.Short()})
}

func pathID(c echo.Context, name string) (uint64, error) {
	id, err := strconv.ParseUint(c.Param(name), 10, 64)
	if err != nil {
		return 0, echo.NewHTTPError(http.StatusBadRequest, "invalid "+name)
	}
	return id, nil
}

type createCaseRequest struct {
	ActorID        string   `json:"actor_id"`
	ReasonCode     string   `json:"reason_code"`
	EvidenceRefs   []string `json:"evidence_refs"`
	Priority       int      `json:"priority"`
	IdempotencyKey string   `json:"idempotency_key,omitempty"`
}

func (s *Server) handleCreateCase(c echo.Context) error {
	var req createCaseRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	out, err := s.cases.CreateCase(c.Request().Context(), moderation.CreateCaseParams{
		ActorID:        req.ActorID,
		ReasonCode:     req.ReasonCode,
		EvidenceRefs:   req.EvidenceRefs,
		Priority:       req.Priority,
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, out)
}

type caseView struct {
	*moderation.Case
	AssigneeInfo *directory.ActorInfo `json:"assignee_info,omitempty"`
}

func (s *Server) handleGetCase(c echo.Context) error {
	id, err := pathID(c, "id")
	if err != nil {
		return err
	}
	out, err := s.cases.GetCase(c.Request().Context(), id)
	if err != nil {
		return err
	}
	view := caseView{Case: out}
	if out.Assignee != nil {
		// display enrichment is best effort; a directory outage doesn't block
		// the case view
		if info, err := s.dir.ResolveActor(c.Request().Context(), *out.Assignee); err == nil {
			view.AssigneeInfo = info
		}
	}
	return c.JSON(http.StatusOK, view)
}

type assignCaseRequest struct {
	ModeratorID string `json:"moderator_id"`
}

func (s *Server) handleAssignCase(c echo.Context) error {
	id, err := pathID(c, "id")
	if err != nil {
		return err
	}
	var req assignCaseRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	out, err := s.cases.Assign(c.Request().Context(), id, req.ModeratorID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, out)
}

type resolveCaseRequest struct {
	ModeratorID string `json:"moderator_id"`
	Outcome     string `json:"outcome"`
	Notes       string `json:"notes,omitempty"`
	TargetKind  string `json:"target_kind,omitempty"`
	TargetID    string `json:"target_id,omitempty"`
}

func (s *Server) handleResolveCase(c echo.Context) error {
	id, err := pathID(c, "id")
	if err != nil {
		return err
	}
	var req resolveCaseRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	out, err := s.cases.Resolve(c.Request().Context(), moderation.ResolveCaseParams{
		CaseID:      id,
		ModeratorID: req.ModeratorID,
		Outcome:     req.Outcome,
		Notes:       req.Notes,
		TargetKind:  req.TargetKind,
		TargetID:    req.TargetID,
	})
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, out)
}

type takeActionRequest struct {
	ActorID      string   `json:"actor_id"`
	ActionType   string   `json:"action_type"`
	TargetKind   string   `json:"target_kind"`
	TargetID     string   `json:"target_id"`
	ReasonCode   string   `json:"reason_code"`
	EvidenceRefs []string `json:"evidence_refs,omitempty"`
	DurationSecs int64    `json:"duration_secs,omitempty"`
	CaseID       *uint64  `json:"case_id,omitempty"`
}

type takeActionResponse struct {
	Action      *moderation.Action  `json:"action"`
	AuditRecord *ledger.AuditRecord `json:"audit_record"`
}

func (s *Server) handleTakeAction(c echo.Context) error {
	var req takeActionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	action, rec, err := s.cases.TakeAction(c.Request().Context(), moderation.ActionParams{
		ActorID:      req.ActorID,
		ActionType:   req.ActionType,
		TargetKind:   req.TargetKind,
		TargetID:     req.TargetID,
		ReasonCode:   req.ReasonCode,
		EvidenceRefs: req.EvidenceRefs,
		Duration:     time.Duration(req.DurationSecs) * time.Second,
		CaseID:       req.CaseID,
	})
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, takeActionResponse{Action: action, AuditRecord: rec})
}

type openAppealRequest struct {
	AppellantID string `json:"appellant_id"`
	Statement   string `json:"statement,omitempty"`
	Priority    int    `json:"priority,omitempty"`
}

func (s *Server) handleOpenAppeal(c echo.Context) error {
	actionID, err := pathID(c, "action_id")
	if err != nil {
		return err
	}
	var req openAppealRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	out, err := s.appeals.Open(c.Request().Context(), moderation.OpenAppealParams{
		ActionID:    actionID,
		AppellantID: req.AppellantID,
		Statement:   req.Statement,
		Priority:    req.Priority,
	})
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, out)
}

type reviewAppealRequest struct {
	ModeratorID string `json:"moderator_id"`
}

func (s *Server) handleReviewAppeal(c echo.Context) error {
	id, err := pathID(c, "id")
	if err != nil {
		return err
	}
	var req reviewAppealRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	out, err := s.appeals.BeginReview(c.Request().Context(), id, req.ModeratorID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, out)
}

type resolveAppealRequest struct {
	ModeratorID string `json:"moderator_id"`
	Decision    string `json:"decision"`
	Reason      string `json:"reason,omitempty"`
}

func (s *Server) handleResolveAppeal(c echo.Context) error {
	id, err := pathID(c, "id")
	if err != nil {
		return err
	}
	var req resolveAppealRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	out, err := s.appeals.Decide(c.Request().Context(), moderation.DecideAppealParams{
		AppealID:    id,
		ModeratorID: req.ModeratorID,
		Decision:    moderation.AppealStatus(req.Decision),
		Reason:      req.Reason,
	})
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, out)
}

func queryUint(c echo.Context, name string, def uint64) (uint64, error) {
	raw := c.QueryParam(name)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, echo.NewHTTPError(http.StatusBadRequest, "invalid "+name)
	}
	return v, nil
}

// Streams the canonical export of a ledger range: exactly the bytes that
// attestations hash.
func (s *Server) handleAuditExport(c echo.Context) error {
	fromSeq, err := queryUint(c, "from_seq", 0)
	if err != nil {
		return err
	}
	toSeq, err := queryUint(c, "to_seq", 0)
	if err != nil {
		return err
	}
	if c.QueryParam("to_seq") == "" {
		// default to the current tail
		tail, err := s.ledger.Tail(c.Request().Context())
		if err != nil {
			return err
		}
		if tail != nil {
			toSeq = tail.Seq
		}
	}
	c.Response().Header().Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	c.Response().WriteHeader(http.StatusOK)
	_, err = s.ledger.Export(c.Request().Context(), c.Response(), fromSeq, toSeq)
	return err
}

type verifyResponse struct {
	Ok        bool    `json:"ok"`
	BrokenSeq *uint64 `json:"broken_seq,omitempty"`
}

func (s *Server) handleAuditVerify(c echo.Context) error {
	fromSeq, err := queryUint(c, "from_seq", 0)
	if err != nil {
		return err
	}
	toSeq, err := queryUint(c, "to_seq", 0)
	if err != nil {
		return err
	}
	ok, brokenSeq, err := s.ledger.VerifyIntegrity(c.Request().Context(), fromSeq, toSeq)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, verifyResponse{Ok: ok, BrokenSeq: brokenSeq})
}

type attestRequest struct {
	PeriodStart time.Time `json:"period_start"`
	PeriodEnd   time.Time `json:"period_end"`
}

func (s *Server) handleAttest(c echo.Context) error {
	var req attestRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	out, err := s.attest.Attest(c.Request().Context(), req.PeriodStart, req.PeriodEnd)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, out)
}

// Verifies an attestation. A POST carries a held export copy in the body and
// is checked against the attestation alone, with no ledger access; a GET
// re-exports the attested range from the live ledger and compares that.
func (s *Server) handleVerifyAttestation(c echo.Context) error {
	id, err := pathID(c, "id")
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	var verr error
	if c.Request().Method == http.MethodPost {
		held, err := io.ReadAll(c.Request().Body)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "reading export body")
		}
		if len(held) == 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "missing export body")
		}
		att, err := s.attest.Get(ctx, id)
		if err != nil {
			return err
		}
		verr = attest.VerifyExport(att, held)
	} else {
		verr = s.attest.Verify(ctx, id)
	}
	if errors.Is(verr, attest.ErrAttestationMismatch) {
		return c.JSON(http.StatusOK, verifyResponse{Ok: false})
	}
	if verr != nil {
		return verr
	}
	return c.JSON(http.StatusOK, verifyResponse{Ok: true})
}

type runSweepsRequest struct {
	SweepName string `json:"sweep_name,omitempty"`
}

func (s *Server) handleRunSweeps(c echo.Context) error {
	var req runSweepsRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	ctx := c.Request().Context()
	var results []sweep.Result
	var err error
	if req.SweepName != "" {
		results, err = s.engine.RunSweep(ctx, req.SweepName)
	} else {
		results, err = s.engine.RunAll(ctx)
	}
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, results)
}

func (s *Server) handleSweepResults(c echo.Context) error {
	limit, err := queryUint(c, "limit", 100)
	if err != nil {
		return err
	}
	out, err := s.engine.ListResults(c.Request().Context(), c.QueryParam("sweep"), int(limit))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, out)
}

type falsePositiveRequest struct {
	ReviewerID string `json:"reviewer_id"`
}

func (s *Server) handleSweepFalsePositive(c echo.Context) error {
	id, err := pathID(c, "id")
	if err != nil {
		return err
	}
	var req falsePositiveRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if err := s.engine.MarkFalsePositive(c.Request().Context(), id, req.ReviewerID); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

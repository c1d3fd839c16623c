package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"

	"actionqueue/internal/domain"
	"actionqueue/internal/engine"
	"actionqueue/internal/ledger"
	"actionqueue/internal/ranking"
)

type handlers struct {
	e    engine.Engine
	d    Dispatcher
	auth AuthConfig
}

var transitionErrors = []int{
	http.StatusBadRequest,
	http.StatusForbidden,
	http.StatusNotFound,
	http.StatusConflict,
}

func (h handlers) registerActions(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID:   "submit-action",
		Method:        http.MethodPost,
		Path:          "/actions",
		Summary:       "Submit a proposed action",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		IdempotencyKey string        `header:"Idempotency-Key"`
		Body           SubmitRequest `json:"body"`
	}) (*output[ActionResponse], error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		a, err := h.e.Submit(ctx, engine.SubmitOptions{Proposal: input.Body.proposal(), Actor: actor, RequestKey: input.IdempotencyKey})
		if err != nil {
			return nil, handleError(err)
		}
		return reply(actionResponse(a)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-actions",
		Method:      http.MethodGet,
		Path:        "/actions",
		Summary:     "List actions",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		State          string `query:"state"`
		Producer       string `query:"producer"`
		Kind           string `query:"kind"`
		RiskTier       string `query:"risk_tier"`
		DispatchStatus string `query:"dispatch_status"`
		Sort           string `query:"sort" enum:"score,created_at" default:"score"`
		Limit          int    `query:"limit" default:"50"`
		Offset         int    `query:"offset"`
	}) (*output[ActionList], error) {
		if _, authErr := actorFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		opts := engine.ListOptions{
			State:    domain.State(input.State),
			Producer: input.Producer,
			Kind:     input.Kind,
			RiskTier: domain.RiskTier(input.RiskTier),
			Sort:     input.Sort,
			Limit:    normalizeLimit(input.Limit),
			Offset:   input.Offset,
		}
		if input.DispatchStatus != "" {
			opts.Dispatch = []domain.DispatchStatus{domain.DispatchStatus(input.DispatchStatus)}
		}
		items, err := h.e.List(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(actionList(items)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "top-actions",
		Method:      http.MethodGet,
		Path:        "/actions/top",
		Summary:     "Top ranked pending actions",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		N        int    `query:"n" default:"10" minimum:"1" maximum:"200"`
		Producer string `query:"producer"`
		Kind     string `query:"kind"`
		Version  string `query:"version" doc:"Preview another ranking version without changing production"`
	}) (*output[ActionList], error) {
		if _, authErr := actorFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		version := input.Version
		if version != "" {
			canonical, ok := h.e.Ranking.Resolve(version)
			if !ok {
				return nil, handleError(domain.Invalid("version", "unknown ranking version "+version))
			}
			version = canonical
		}
		items, err := h.e.Top(ctx, engine.TopOptions{N: input.N, Producer: input.Producer, Kind: input.Kind, Version: version})
		if err != nil {
			return nil, handleError(err)
		}
		return reply(actionList(items)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-action",
		Method:      http.MethodGet,
		Path:        "/actions/{id}",
		Summary:     "Get an action with its factor breakdown",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*output[ActionResponse], error) {
		if _, authErr := actorFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		a, err := h.e.Get(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(actionResponse(a)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "edit-action",
		Method:      http.MethodPatch,
		Path:        "/actions/{id}",
		Summary:     "Edit a pending action",
		Errors:      transitionErrors,
	}, func(ctx context.Context, input *struct {
		ID             string       `path:"id"`
		IdempotencyKey string       `header:"Idempotency-Key"`
		Body           engine.Patch `json:"body"`
	}) (*output[ActionResponse], error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		a, err := h.e.Edit(ctx, engine.EditOptions{ID: input.ID, Actor: actor, Patch: input.Body, RequestKey: input.IdempotencyKey})
		if err != nil {
			return nil, handleError(err)
		}
		return reply(actionResponse(a)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "action-events",
		Method:      http.MethodGet,
		Path:        "/actions/{id}/events",
		Summary:     "Audit history of one action",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*output[EventList], error) {
		if _, authErr := actorFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		items, err := h.e.Events(ctx, ledger.ListOptions{ActionID: input.ID})
		if err != nil {
			return nil, handleError(err)
		}
		return reply(eventList(items)), nil
	})
}

type transitionInput struct {
	ID             string      `path:"id"`
	IdempotencyKey string      `header:"Idempotency-Key"`
	Body           NoteRequest `json:"body" required:"false"`
}

func (in *transitionInput) options(actor domain.Actor) engine.TransitionOptions {
	return engine.TransitionOptions{ID: in.ID, Actor: actor, RequestKey: in.IdempotencyKey, Note: in.Body.Note}
}

func (h handlers) registerTransitions(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "approve-action",
		Method:      http.MethodPost,
		Path:        "/actions/{id}/approve",
		Summary:     "Approve a pending action",
		Errors:      transitionErrors,
	}, func(ctx context.Context, input *transitionInput) (*output[ActionResponse], error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		a, err := h.e.Approve(ctx, input.options(actor))
		if err != nil {
			return nil, handleError(err)
		}
		return reply(actionResponse(a)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "reject-action",
		Method:      http.MethodPost,
		Path:        "/actions/{id}/reject",
		Summary:     "Reject a pending action",
		Errors:      transitionErrors,
	}, func(ctx context.Context, input *struct {
		ID             string        `path:"id"`
		IdempotencyKey string        `header:"Idempotency-Key"`
		Body           RejectRequest `json:"body"`
	}) (*output[ActionResponse], error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		a, err := h.e.Reject(ctx, engine.RejectOptions{ID: input.ID, Actor: actor, Reason: input.Body.Reason, RequestKey: input.IdempotencyKey})
		if err != nil {
			return nil, handleError(err)
		}
		return reply(actionResponse(a)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "dispatch-action",
		Method:      http.MethodPost,
		Path:        "/actions/{id}/dispatch",
		Summary:     "Execute an approved action now",
		Errors:      append([]int{http.StatusBadGateway}, transitionErrors...),
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*output[ActionResponse], error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if h.d == nil {
			return nil, handleError(&domain.ConfigError{Key: "dispatch", Reason: "this server does not dispatch actions"})
		}
		a, err := h.d.Dispatch(ctx, input.ID, actor)
		if err != nil {
			se := handleError(err)
			var apiErr *apiError
			if errors.As(se, &apiErr) && a.ID != "" {
				if apiErr.Body.Details == nil {
					apiErr.Body.Details = map[string]any{}
				}
				apiErr.Body.Details["action"] = actionResponse(a)
			}
			return nil, se
		}
		return reply(actionResponse(a)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "retry-action",
		Method:      http.MethodPost,
		Path:        "/actions/{id}/retry",
		Summary:     "Authorize another dispatch of a failed action",
		Errors:      transitionErrors,
	}, func(ctx context.Context, input *transitionInput) (*output[ActionResponse], error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		a, err := h.e.RetryDispatch(ctx, input.options(actor))
		if err != nil {
			return nil, handleError(err)
		}
		return reply(actionResponse(a)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "reconcile-action",
		Method:      http.MethodPost,
		Path:        "/actions/{id}/reconcile",
		Summary:     "Resolve a claim whose outcome was lost",
		Errors:      transitionErrors,
	}, func(ctx context.Context, input *struct {
		ID             string           `path:"id"`
		IdempotencyKey string           `header:"Idempotency-Key"`
		Body           ReconcileRequest `json:"body"`
	}) (*output[ActionResponse], error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		a, err := h.e.ResolveReconciliation(ctx, engine.ReconcileOptions{
			ID:         input.ID,
			Actor:      actor,
			Succeeded:  input.Body.Succeeded,
			Result:     input.Body.Result,
			Note:       input.Body.Note,
			RequestKey: input.IdempotencyKey,
		}, domain.SystemActor("reconciler"))
		if err != nil {
			return nil, handleError(err)
		}
		return reply(actionResponse(a)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "record-outcome",
		Method:      http.MethodPost,
		Path:        "/actions/{id}/outcome",
		Summary:     "Record the realized outcome of an audited action",
		Errors:      transitionErrors,
	}, func(ctx context.Context, input *struct {
		ID             string         `path:"id"`
		IdempotencyKey string         `header:"Idempotency-Key"`
		Body           OutcomeRequest `json:"body"`
	}) (*output[ActionResponse], error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		a, err := h.e.RecordOutcome(ctx, engine.OutcomeOptions{
			ID:          input.ID,
			Actor:       actor,
			Success:     input.Body.Success,
			RealizedROI: input.Body.RealizedROI,
			Notes:       input.Body.Notes,
			RequestKey:  input.IdempotencyKey,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return reply(actionResponse(a)), nil
	})
}

func (h handlers) registerRanking(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "ranking-status",
		Method:      http.MethodGet,
		Path:        "/ranking",
		Summary:     "Production ranking version and staleness",
	}, func(ctx context.Context, _ *struct{}) (*output[engine.RankingStatus], error) {
		if _, authErr := actorFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		st, err := h.e.RankingStatus(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(st), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-ranking-version",
		Method:      http.MethodPut,
		Path:        "/ranking/version",
		Summary:     "Switch the production ranking version",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Body RankingVersionRequest `json:"body"`
	}) (*output[engine.RankingStatus], error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		st, err := h.e.SetRankingVersion(ctx, actor, input.Body.Version)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(st), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "rerank",
		Method:      http.MethodPost,
		Path:        "/ranking/rerank",
		Summary:     "Re-score pending actions now",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, _ *struct{}) (*output[engine.RerankResult], error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := h.e.Rerank(ctx, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(res), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "compare-ranking",
		Method:      http.MethodGet,
		Path:        "/ranking/compare",
		Summary:     "Compare ranking versions over the pending set",
	}, func(ctx context.Context, _ *struct{}) (*output[ranking.Comparison], error) {
		if _, authErr := actorFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		cmp, err := h.e.Compare(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(cmp), nil
	})
}

func (h handlers) registerLedger(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "verify-ledger",
		Method:      http.MethodGet,
		Path:        "/ledger/verify",
		Summary:     "Verify the hash chain and replay every action",
		Errors:      []int{http.StatusInternalServerError},
	}, func(ctx context.Context, _ *struct{}) (*output[ledger.Report], error) {
		if _, authErr := actorFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		rep, err := h.e.Store.Verify(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(rep), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "ledger-summary",
		Method:      http.MethodGet,
		Path:        "/ledger/summary",
		Summary:     "Compliance summary of the audit trail",
	}, func(ctx context.Context, _ *struct{}) (*output[ledger.Summary], error) {
		if _, authErr := actorFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		sum, err := h.e.Store.Summary(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(sum), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List ledger events",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Type     string `query:"type"`
		AfterSeq int64  `query:"after_seq"`
		Limit    int    `query:"limit" default:"50"`
	}) (*output[EventList], error) {
		if _, authErr := actorFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		items, err := h.e.Events(ctx, ledger.ListOptions{Type: input.Type, AfterSeq: input.AfterSeq, Limit: normalizeLimit(input.Limit)})
		if err != nil {
			return nil, handleError(err)
		}
		return reply(eventList(items)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "stats",
		Method:      http.MethodGet,
		Path:        "/stats",
		Summary:     "Queue, producer and ranking statistics",
	}, func(ctx context.Context, _ *struct{}) (*output[engine.Stats], error) {
		if _, authErr := actorFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		st, err := h.e.Stats(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(st), nil
	})
}

func (h handlers) registerAccess(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Current principal",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*output[WhoAmIResponse], error) {
		p, ok := principalFromContext(ctx)
		if !ok {
			return nil, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil)
		}
		return reply(WhoAmIResponse{ActorID: p.ActorID, Role: p.Role, Source: p.Source}), nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "grant-role",
		Method:        http.MethodPost,
		Path:          "/roles/grants",
		Summary:       "Grant a role to an actor",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Body struct {
			ActorID string      `json:"actor_id"`
			Role    domain.Role `json:"role" enum:"operator,system,producer"`
		} `json:"body"`
	}) (*struct{}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := h.e.GrantRole(ctx, actor, input.Body.ActorID, input.Body.Role); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	if !h.auth.AllowDevLogin {
		return
	}
	huma.Register(api, huma.Operation{
		OperationID: "dev-login",
		Method:      http.MethodPost,
		Path:        "/auth/dev/login",
		Summary:     "DEV ONLY: mint a JWT for local testing",
		Errors:      []int{http.StatusBadRequest, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Body DevLoginRequest `json:"body"`
	}) (*output[DevLoginResponse], error) {
		actorID := strings.TrimSpace(input.Body.ActorID)
		if actorID == "" || len(input.Body.Roles) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "actor_id and roles are required", nil)
		}
		token, err := signDevToken(h.auth.JWTSecret, actorID, input.Body.Roles, 12*time.Hour)
		if err != nil {
			return nil, newAPIError(http.StatusInternalServerError, "internal_error", err.Error(), nil)
		}
		return reply(DevLoginResponse{Token: token}), nil
	})
}

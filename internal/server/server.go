package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"actionqueue/internal/domain"
	"actionqueue/internal/engine"
	"actionqueue/internal/repo"
)

// Dispatcher executes approved actions on request.
type Dispatcher interface {
	Dispatch(ctx context.Context, id string, by domain.Actor) (domain.Action, error)
}

// Config for the HTTP API handler.
type Config struct {
	Engine engine.Engine
	// Dispatcher may be nil, in which case dispatch requests fail with a config error.
	Dispatcher Dispatcher
	BasePath   string
	Auth       AuthConfig
	Log        *slog.Logger
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"illegal_transition"`
	Message string         `json:"message" example:"action abc cannot move from rejected to approved"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError is the error envelope every endpoint returns.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// output wraps a response body for huma.
type output[T any] struct {
	Body T
}

func reply[T any](v T) *output[T] { return &output[T]{Body: v} }

// New returns an HTTP handler exposing the action queue API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v1"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	if cfg.Auth.Log == nil {
		cfg.Auth.Log = cfg.Log
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return requestError(status, msg, errs)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		return requestError(status, msg, errs)
	}

	router := chi.NewRouter()
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo))
	hcfg := huma.DefaultConfig("ActionQueue API", "1.0.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	h := handlers{e: cfg.Engine, d: cfg.Dispatcher, auth: cfg.Auth}
	registerDocs(router, basePath)
	registerHealth(group)
	h.registerActions(group)
	h.registerTransitions(group)
	h.registerRanking(group)
	h.registerLedger(group)
	h.registerAccess(group)
	registerOpenAPI(router, api, basePath)
	return router, nil
}

// requestError shapes huma's own errors. Request validation failures are
// reported as 400 like any other client error.
func requestError(status int, msg string, errs []error) huma.StatusError {
	if status == http.StatusUnprocessableEntity {
		status = http.StatusBadRequest
	}
	var details map[string]any
	if len(errs) > 0 {
		msgs := make([]string, 0, len(errs))
		for _, err := range errs {
			msgs = append(msgs, err.Error())
		}
		details = map[string]any{"errors": msgs}
	}
	return newAPIError(status, "", msg, details)
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{status: status, Body: apiErrorBody{Code: code, Message: message, Details: details}}
}

// handleError maps domain errors onto status codes.
func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var (
		verr *domain.ValidationError
		terr *domain.IllegalTransitionError
		ferr *domain.ForbiddenError
		derr *domain.DispatchFailureError
		ierr *domain.IntegrityViolationError
		cerr *domain.ConfigError
	)
	switch {
	case errors.As(err, &verr):
		return newAPIError(http.StatusBadRequest, "validation_error", err.Error(), map[string]any{"field": verr.Field})
	case errors.As(err, &terr):
		return newAPIError(http.StatusConflict, "illegal_transition", err.Error(),
			map[string]any{"action_id": terr.ActionID, "from": terr.From, "to": terr.To})
	case errors.Is(err, domain.ErrNotExecutable):
		return newAPIError(http.StatusConflict, "not_executable", err.Error(), nil)
	case errors.As(err, &derr):
		return newAPIError(http.StatusBadGateway, "dispatch_failure", err.Error(), map[string]any{
			"action_id":   derr.ActionID,
			"attempts":    derr.Attempts,
			"effect":      derr.Effect,
			"rolled_back": derr.RolledBack,
		})
	case errors.As(err, &ierr):
		return newAPIError(http.StatusInternalServerError, "integrity_violation", err.Error(), map[string]any{"problems": ierr.Problems})
	case errors.As(err, &cerr):
		return newAPIError(http.StatusInternalServerError, "config_error", err.Error(), map[string]any{"key": cerr.Key})
	case errors.As(err, &ferr):
		return newAPIError(http.StatusForbidden, "forbidden", err.Error(), map[string]any{"operation": ferr.Operation, "need": ferr.Need})
	case errors.Is(err, repo.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var spec []byte
	r.Get(path.Join(basePath, "openapi.json"), func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func operations(item *huma.PathItem) []*huma.Operation {
	return []*huma.Operation{item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace}
}

func ensureDefaultErrorResponses(oas *huma.OpenAPI) {
	if oas == nil || oas.Paths == nil {
		return
	}
	for _, item := range oas.Paths {
		for _, op := range operations(item) {
			if op == nil {
				continue
			}
			if op.Responses == nil {
				op.Responses = map[string]*huma.Response{}
			}
			op.Responses["default"] = &huma.Response{
				Description: "Error",
				Content: map[string]*huma.MediaType{
					"application/json": {Schema: &huma.Schema{Ref: "#/components/schemas/ApiError"}},
				},
			}
		}
	}
}

func applyAuthSecurity(oas *huma.OpenAPI, basePath string) {
	if oas == nil {
		return
	}
	if oas.Components == nil {
		oas.Components = &huma.Components{}
	}
	if oas.Components.SecuritySchemes == nil {
		oas.Components.SecuritySchemes = map[string]*huma.SecurityScheme{}
	}
	oas.Components.SecuritySchemes["bearerAuth"] = &huma.SecurityScheme{Type: "http", Scheme: "bearer", BearerFormat: "JWT"}
	oas.Components.SecuritySchemes["apiKeyAuth"] = &huma.SecurityScheme{Type: "apiKey", In: "header", Name: "X-Api-Key"}
	security := []map[string][]string{{"bearerAuth": {}}, {"apiKeyAuth": {}}}
	oas.Security = security
	open := map[string]bool{
		path.Join(basePath, "health"):         true,
		path.Join(basePath, "auth/dev/login"): true,
	}
	for route, item := range oas.Paths {
		for _, op := range operations(item) {
			if op == nil {
				continue
			}
			if open[route] {
				op.Security = []map[string][]string{}
				continue
			}
			op.Security = security
		}
	}
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>ActionQueue API Docs</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => {
        SwaggerUIBundle({
          url: '%s',
          dom_id: '#swagger-ui'
        });
      };
    </script>
    <p style="padding: 1rem; font-family: sans-serif; color: #444;">
      Authenticate with Authorization: Bearer &lt;token&gt; or X-Api-Key.
    </p>
  </body>
</html>`, specURL)
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*output[map[string]string], error) {
		return reply(map[string]string{"status": "ok"}), nil
	})
}

func normalizeLimit(in int) int {
	if in <= 0 {
		return 50
	}
	if in > 200 {
		return 200
	}
	return in
}

package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"
	"sync"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"repchain/internal/domain"
	"repchain/internal/ledger"
)

// Config for the HTTP API handler.
type Config struct {
	Ledger   ledger.Ledger
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"invalid_state"`
	Message string         `json:"message" example:"job is posted, expected submitted"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the repchain API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	// Override Huma errors to use the envelope above.
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Ledger.Repo))
	hcfg := huma.DefaultConfig("Repchain API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerProfiles(group, cfg.Ledger)
	registerJobs(group, cfg.Ledger)
	registerIdentities(group, cfg.Ledger)
	registerEvents(group, cfg.Ledger)
	registerAPIKeys(group, cfg.Ledger)
	registerOpenAPI(router, api, basePath)

	startWebhookDispatcher(cfg.Ledger)

	return router, nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, ledger.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	case errors.Is(err, ledger.ErrInvalidState):
		return newAPIError(http.StatusConflict, "invalid_state", err.Error(), nil)
	case errors.Is(err, ledger.ErrUnauthorized):
		return newAPIError(http.StatusForbidden, "unauthorized", err.Error(), nil)
	case errors.Is(err, ledger.ErrInvalidInput):
		return newAPIError(http.StatusBadRequest, "invalid_input", err.Error(), nil)
	case errors.Is(err, ledger.ErrInsufficientFunds):
		return newAPIError(http.StatusUnprocessableEntity, "insufficient_funds", err.Error(), nil)
	case errors.Is(err, ledger.ErrAlreadyExists):
		return newAPIError(http.StatusConflict, "already_exists", err.Error(), nil)
	case errors.Is(err, ledger.ErrProfileRequired):
		return newAPIError(http.StatusUnprocessableEntity, "profile_required", err.Error(), nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "invalid_input"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusForbidden:
		return "unauthorized"
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
	var once sync.Once
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		once.Do(func() {
			spec, _ = json.Marshal(api.OpenAPI())
		})
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Repchain API Docs</title>
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
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

func registerProfiles(api huma.API, l ledger.Ledger) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-profile",
		Method:        http.MethodPost,
		Path:          "/profiles",
		Summary:       "Register caller profile",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusConflict,
			http.StatusUnauthorized,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateProfileRequest `json:"body"`
	}) (*struct {
		Body domain.Profile `json:"body"`
	}, error) {
		identity, authErr := identityFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		p, err := l.CreateProfile(ctx, ledger.CreateProfileOptions{
			Identity:    identity,
			DisplayName: input.Body.DisplayName,
			Bio:         input.Body.Bio,
			Skills:      input.Body.Skills,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Profile `json:"body"`
		}{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-profile",
		Method:      http.MethodGet,
		Path:        "/profiles/{identity}",
		Summary:     "Get profile",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Identity string `path:"identity"`
	}) (*struct {
		Body domain.Profile `json:"body"`
	}, error) {
		p, err := l.GetProfile(ctx, input.Identity)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Profile `json:"body"`
		}{Body: p}, nil
	})
}

func registerJobs(api huma.API, l ledger.Ledger) {
	huma.Register(api, huma.Operation{
		OperationID:   "post-job",
		Method:        http.MethodPost,
		Path:          "/jobs",
		Summary:       "Post job with escrow deposit",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		Body PostJobRequest `json:"body"`
	}) (*struct {
		Body domain.Job `json:"body"`
	}, error) {
		identity, authErr := identityFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		j, err := l.PostJob(ctx, ledger.PostJobOptions{
			Client:        identity,
			Title:         input.Body.Title,
			Description:   input.Body.Description,
			PaymentAmount: input.Body.PaymentAmount,
			Deposit:       input.Body.Deposit,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Job `json:"body"`
		}{Body: j}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-jobs",
		Method:      http.MethodGet,
		Path:        "/jobs",
		Summary:     "List jobs",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Status    string `query:"status"`
		Available bool   `query:"available"`
	}) (*struct {
		Body []domain.Job `json:"body"`
	}, error) {
		var jobs []domain.Job
		var err error
		if input.Available {
			jobs, err = l.ListAvailableJobs(ctx)
		} else {
			jobs, err = l.ListJobs(ctx, input.Status)
		}
		if err != nil {
			return nil, handleError(err)
		}
		if jobs == nil {
			jobs = []domain.Job{}
		}
		return &struct {
			Body []domain.Job `json:"body"`
		}{Body: jobs}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-job",
		Method:      http.MethodGet,
		Path:        "/jobs/{id}",
		Summary:     "Get job",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID int64 `path:"id"`
	}) (*struct {
		Body domain.Job `json:"body"`
	}, error) {
		j, err := l.GetJob(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Job `json:"body"`
		}{Body: j}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "accept-job",
		Method:      http.MethodPost,
		Path:        "/jobs/{id}/accept",
		Summary:     "Accept a posted job",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		ID int64 `path:"id"`
	}) (*struct {
		Body domain.Job `json:"body"`
	}, error) {
		identity, authErr := identityFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		j, err := l.AcceptJob(ctx, input.ID, identity)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Job `json:"body"`
		}{Body: j}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "submit-work",
		Method:      http.MethodPost,
		Path:        "/jobs/{id}/submit",
		Summary:     "Submit completed work",
		Errors: []int{
			http.StatusForbidden,
			http.StatusUnauthorized,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		ID int64 `path:"id"`
	}) (*struct {
		Body domain.Job `json:"body"`
	}, error) {
		identity, authErr := identityFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		j, err := l.SubmitWork(ctx, input.ID, identity)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Job `json:"body"`
		}{Body: j}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "approve-job",
		Method:      http.MethodPost,
		Path:        "/jobs/{id}/approve",
		Summary:     "Approve work, release escrow, and rate",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusUnauthorized,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		ID   int64             `path:"id"`
		Body ApproveJobRequest `json:"body"`
	}) (*struct {
		Body domain.Job `json:"body"`
	}, error) {
		identity, authErr := identityFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		j, err := l.ApproveAndPay(ctx, ledger.ApproveOptions{
			JobID:      input.ID,
			Client:     identity,
			Rating:     input.Body.Rating,
			ReviewText: input.Body.ReviewText,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Job `json:"body"`
		}{Body: j}, nil
	})
}

func registerIdentities(api huma.API, l ledger.Ledger) {
	huma.Register(api, huma.Operation{
		OperationID: "list-identity-jobs",
		Method:      http.MethodGet,
		Path:        "/identities/{identity}/jobs",
		Summary:     "List jobs for an identity",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Identity string `path:"identity"`
	}) (*struct {
		Body []domain.Job `json:"body"`
	}, error) {
		jobs, err := l.ListJobsForIdentity(ctx, input.Identity)
		if err != nil {
			return nil, handleError(err)
		}
		if jobs == nil {
			jobs = []domain.Job{}
		}
		return &struct {
			Body []domain.Job `json:"body"`
		}{Body: jobs}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-reputation",
		Method:      http.MethodGet,
		Path:        "/identities/{identity}/reputation",
		Summary:     "Export reputation proof",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Identity string `path:"identity"`
	}) (*struct {
		Body domain.ReputationExport `json:"body"`
	}, error) {
		exp, err := l.ReputationExport(ctx, input.Identity)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.ReputationExport `json:"body"`
		}{Body: exp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "verify-reputation",
		Method:      http.MethodGet,
		Path:        "/identities/{identity}/reputation/verify",
		Summary:     "Recompute and verify reputation score",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Identity string `path:"identity"`
	}) (*struct {
		Body VerifyScoreResponse `json:"body"`
	}, error) {
		stored, recomputed, err := l.VerifyScore(ctx, input.Identity)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body VerifyScoreResponse `json:"body"`
		}{Body: VerifyScoreResponse{
			Identity:   input.Identity,
			Stored:     stored,
			Recomputed: recomputed,
			Verified:   stored == recomputed,
		}}, nil
	})
}

func registerEvents(api huma.API, l ledger.Ledger) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List ledger events",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		After int64  `query:"after"`
		Limit int    `query:"limit" default:"100"`
		Types string `query:"types"`
	}) (*struct {
		Body paginatedEvents `json:"body"`
	}, error) {
		var types []string
		for _, t := range strings.Split(input.Types, ",") {
			if t = strings.TrimSpace(t); t != "" {
				types = append(types, t)
			}
		}
		evts, err := l.Repo.ListEvents(ctx, input.After, input.Limit, types)
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedEvents{Items: []domain.Event{}}
		if len(evts) > 0 {
			resp.Items = evts
			resp.NextCursor = evts[len(evts)-1].ID
		}
		return &struct {
			Body paginatedEvents `json:"body"`
		}{Body: resp}, nil
	})
}

func registerAPIKeys(api huma.API, l ledger.Ledger) {
	huma.Register(api, huma.Operation{
		OperationID:   "mint-api-key",
		Method:        http.MethodPost,
		Path:          "/auth/keys",
		Summary:       "Mint an API key for the caller",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusUnauthorized,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		Body MintAPIKeyRequest `json:"body"`
	}) (*struct {
		Body APIKeyResponse `json:"body"`
	}, error) {
		identity, authErr := identityFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		k, raw, err := l.MintAPIKey(ctx, identity, input.Body.Name)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body APIKeyResponse `json:"body"`
		}{Body: APIKeyResponse{
			ID:        k.ID,
			Identity:  k.Identity,
			Name:      k.Name,
			Key:       raw,
			CreatedAt: k.CreatedAt,
		}}, nil
	})
}

package server

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"sitewarden/internal/domain"
	"sitewarden/internal/engine"
	"sitewarden/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"not_found"`
	Message string         `json:"message" example:"site not found"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

type bodyBytesKey struct{}

// apiError models the error envelope every endpoint returns.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Sitewarden API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			// Schema/request validation errors should be 400 bad_request
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			bodyBytes, _ := io.ReadAll(r.Body)
			r.Body = io.NopCloser(bytes.NewBuffer(bodyBytes))
			ctx := context.WithValue(r.Context(), bodyBytesKey{}, bodyBytes)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	})
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	hcfg := huma.DefaultConfig("Sitewarden API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerSites(group, cfg.Engine)
	registerMaintenance(group, cfg.Engine)
	registerScheduler(group, cfg.Engine)
	registerChangelogs(group, cfg.Engine, cfg.Auth)
	registerEvents(group, cfg.Engine)
	registerOpenAPI(router, api, basePath)

	startWebhookDispatcher(cfg.Engine)

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
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	if errors.Is(err, engine.ErrConfirmationRequired) {
		return newAPIError(http.StatusBadRequest, "confirmation_required", err.Error(), nil)
	}
	if errors.Is(err, engine.ErrInvalidStatus) {
		return newAPIError(http.StatusBadRequest, "invalid_status", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "invalid") || strings.Contains(lowered, "missing") || strings.Contains(lowered, "required"):
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
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
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			oas := api.OpenAPI()
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
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
	oas.Components.SecuritySchemes["bearerAuth"] = &huma.SecurityScheme{
		Type:         "http",
		Scheme:       "bearer",
		BearerFormat: "JWT",
	}
	oas.Components.SecuritySchemes["apiKeyAuth"] = &huma.SecurityScheme{
		Type: "apiKey",
		In:   "header",
		Name: "X-Api-Key",
	}
	security := []map[string][]string{
		{"bearerAuth": {}},
		{"apiKeyAuth": {}},
	}
	oas.Security = security
	healthPath := path.Join("/", basePath, "health")
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if route == healthPath {
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
    <title>Sitewarden API Docs</title>
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

func registerSites(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "save-site",
		Method:      http.MethodPost,
		Path:        "/sites",
		Summary:     "Save a site and materialize its schedule",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Body SaveSiteRequest
	}) (*struct {
		Body SaveScheduleResponse
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := e.SaveSchedule(ctx, engine.SaveScheduleOptions{
			SiteID:         input.Body.ID,
			Name:           input.Body.Name,
			Env:            input.Body.Env,
			RenewMonth:     input.Body.RenewMonth,
			WebsiteURL:     input.Body.WebsiteURL,
			GitURL:         input.Body.GitURL,
			GroupEmail:     input.Body.GroupEmail,
			Contact:        contactFromRequest(input.Body.Contact),
			Rebuild:        input.Body.Rebuild,
			BackfillMonths: input.Body.BackfillMonths,
			ForwardMonths:  input.Body.ForwardMonths,
			ActorID:        actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SaveScheduleResponse
		}{Body: saveScheduleResponse(res)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-sites",
		Method:      http.MethodGet,
		Path:        "/sites",
		Summary:     "List sites",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.Site `json:"body"`
	}, error) {
		sites, err := e.Repo.ListSites(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		if sites == nil {
			sites = []domain.Site{}
		}
		return &struct {
			Body []domain.Site `json:"body"`
		}{Body: sites}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-site",
		Method:      http.MethodGet,
		Path:        "/sites/{site_id}",
		Summary:     "Site with its materialized schedule",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		SiteID string `path:"site_id"`
		Env    string `query:"env"`
	}) (*struct {
		Body SiteScheduleResponse
	}, error) {
		site, items, err := e.SiteSchedule(ctx, input.SiteID, input.Env)
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.MaintenanceItem{}
		}
		return &struct {
			Body SiteScheduleResponse
		}{Body: SiteScheduleResponse{Site: site, Items: items}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-site",
		Method:      http.MethodDelete,
		Path:        "/sites/{site_id}",
		Summary:     "Delete a site and everything attached to it",
		Errors:      []int{http.StatusNotFound, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		SiteID string `path:"site_id"`
	}) (*struct {
		Body engine.DeleteResult
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := e.DeleteSite(ctx, input.SiteID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.DeleteResult
		}{Body: res}, nil
	})
}

func registerMaintenance(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-maintenance",
		Method:      http.MethodGet,
		Path:        "/maintenance",
		Summary:     "List maintenance items",
	}, func(ctx context.Context, input *struct {
		SiteID string `query:"site_id"`
		Env    string `query:"env"`
		From   string `query:"from"`
		To     string `query:"to"`
		Limit  int    `query:"limit" default:"100" minimum:"1" maximum:"500"`
	}) (*struct {
		Body []domain.MaintenanceItem `json:"body"`
	}, error) {
		items, err := e.Repo.ListMaintenance(ctx, repo.MaintenanceFilters{
			SiteID: input.SiteID,
			Env:    input.Env,
			From:   input.From,
			To:     input.To,
			Limit:  input.Limit,
		})
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.MaintenanceItem{}
		}
		return &struct {
			Body []domain.MaintenanceItem `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-maintenance-item",
		Method:      http.MethodGet,
		Path:        "/sites/{site_id}/maintenance/{date}",
		Summary:     "One maintenance item with its status history",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		SiteID string `path:"site_id"`
		Date   string `path:"date"`
		Env    string `query:"env" default:"production"`
	}) (*struct {
		Body domain.MaintenanceItem
	}, error) {
		it, err := e.Repo.GetItem(ctx, input.SiteID, input.Env, input.Date)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.MaintenanceItem
		}{Body: it}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-maintenance-status",
		Method:      http.MethodPut,
		Path:        "/sites/{site_id}/maintenance/{date}/status",
		Summary:     "Apply a workflow transition",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		SiteID string `path:"site_id"`
		Date   string `path:"date"`
		Body   SetStatusRequest
	}) (*struct {
		Body domain.MaintenanceItem
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		it, err := e.SetStatus(ctx, engine.SetStatusOptions{
			SiteID:     input.SiteID,
			Env:        input.Body.Env,
			Date:       input.Date,
			Status:     input.Body.Status,
			PrevStatus: input.Body.From,
			ActorID:    actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.MaintenanceItem
		}{Body: it}, nil
	})
}

func registerScheduler(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "overview",
		Method:      http.MethodGet,
		Path:        "/overview",
		Summary:     "Portfolio overview",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []engine.OverviewRow `json:"body"`
	}, error) {
		rows, err := e.Overview(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		if rows == nil {
			rows = []engine.OverviewRow{}
		}
		return &struct {
			Body []engine.OverviewRow `json:"body"`
		}{Body: rows}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "rebuild-all",
		Method:      http.MethodPost,
		Path:        "/scheduler/rebuild-all",
		Summary:     "Rebuild every site's schedule from scratch",
		Description: "Destructive. The confirm field must be exactly \"REBUILD ALL SITES\".",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Body RebuildAllRequest
	}) (*struct {
		Body engine.RebuildAllResult
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := e.RebuildAll(ctx, engine.RebuildAllOptions{
			ConfirmText:    input.Body.Confirm,
			BackfillMonths: input.Body.BackfillMonths,
			ForwardMonths:  input.Body.ForwardMonths,
			ActorID:        actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.RebuildAllResult
		}{Body: res}, nil
	})
}

// verifyIngestSignature checks the HMAC-SHA256 of "<nonce>.<body>" posted by
// build pipelines. The signature and nonce ride in headers; the body is the
// raw request payload captured by the buffering middleware.
func verifyIngestSignature(ctx context.Context, secret, nonce, signature string) error {
	if secret == "" {
		return nil
	}
	if nonce == "" || signature == "" {
		return errors.New("missing signature headers")
	}
	body, _ := ctx.Value(bodyBytesKey{}).([]byte)
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(nonce))
	mac.Write([]byte("."))
	mac.Write(body)
	want := base64.StdEncoding.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(want), []byte(signature)) {
		return errors.New("signature mismatch")
	}
	return nil
}

func registerChangelogs(api huma.API, e engine.Engine, auth AuthConfig) {
	huma.Register(api, huma.Operation{
		OperationID: "ingest-changelog",
		Method:      http.MethodPost,
		Path:        "/changelogs",
		Summary:     "Ingest a build-run package changelog",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Nonce     string `header:"X-Nonce"`
		Signature string `header:"X-Signature"`
		Body      IngestChangelogRequest
	}) (*struct {
		Body domain.Changelog
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := verifyIngestSignature(ctx, auth.IngestSecret, input.Nonce, input.Signature); err != nil {
			return nil, newAPIError(http.StatusUnauthorized, "invalid_signature", err.Error(), nil)
		}
		payload, err := json.Marshal(map[string]any{"changes": input.Body.Changes})
		if err != nil {
			return nil, handleError(err)
		}
		cl, err := e.RecordChangelog(ctx, engine.RecordChangelogOptions{
			SiteID:      input.Body.SiteID,
			Env:         input.Body.Env,
			RunAt:       input.Body.RunAt,
			PayloadJSON: string(payload),
			ActorID:     actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Changelog
		}{Body: cl}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "latest-changelog",
		Method:      http.MethodGet,
		Path:        "/sites/{site_id}/changelogs/latest",
		Summary:     "Most recent changelog for a site",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		SiteID string `path:"site_id"`
		Env    string `query:"env" default:"production"`
	}) (*struct {
		Body domain.Changelog
	}, error) {
		cl, err := e.Repo.LatestChangelog(ctx, input.SiteID, input.Env)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Changelog
		}{Body: cl}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "Latest audit events",
	}, func(ctx context.Context, input *struct {
		SiteID     string `query:"site_id"`
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind"`
		EntityID   string `query:"entity_id"`
		Limit      int    `query:"limit" default:"50" minimum:"1" maximum:"500"`
		Cursor     int64  `query:"cursor" minimum:"0"`
	}) (*struct {
		Body []domain.Event `json:"body"`
	}, error) {
		events, err := e.Repo.LatestEventsFrom(ctx, input.Limit, input.Cursor, input.SiteID, input.Type, input.EntityKind, input.EntityID)
		if err != nil {
			return nil, handleError(err)
		}
		if events == nil {
			events = []domain.Event{}
		}
		return &struct {
			Body []domain.Event `json:"body"`
		}{Body: events}, nil
	})
}

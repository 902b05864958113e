// Package server exposes the interview engine over HTTP for the sync
// service. Devices run the engine against their local store; this API is the
// upstream they replay against and the surface reviewers use.
package server

import (
	"bytes"
	"context"
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
	"gopkg.in/yaml.v3"

	"valora/internal/config"
	"valora/internal/domain"
	"valora/internal/engine"
	"valora/internal/engine/auth"
	"valora/internal/protocol"
	"valora/internal/queue"
	"valora/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"invalid_transition"`
	Message string         `json:"message" example:"invalid step transition: client at warmup but session at tto"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

type requestKey struct{}
type bodyBytesKey struct{}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Valora API.
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
			ctx := context.WithValue(r.Context(), requestKey{}, r)
			ctx = context.WithValue(ctx, bodyBytesKey{}, bodyBytes)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	})
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo, cfg.Engine.Auth))
	hcfg := huma.DefaultConfig("Valora API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerStudies(group, cfg.Engine)
	registerSessions(group, cfg.Engine)
	registerResponses(group, cfg.Engine)
	registerReview(group, cfg.Engine)
	registerQueue(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerOpenAPI(router, api, basePath)

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
	var statusErr huma.StatusError
	if errors.As(err, &statusErr) {
		return statusErr
	}
	var ve engine.ValidationError
	if errors.As(err, &ve) {
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), map[string]any{"field": ve.Field})
	}
	var te protocol.InvalidTransitionError
	if errors.As(err, &te) {
		return newAPIError(http.StatusConflict, "invalid_transition", err.Error(), map[string]any{
			"from":    string(te.From),
			"current": string(te.Current),
		})
	}
	var ce engine.ConflictError
	if errors.As(err, &ce) {
		return newAPIError(http.StatusConflict, "conflict", err.Error(), map[string]any{"session_id": ce.SessionID})
	}
	var pe auth.PermissionError
	if errors.As(err, &pe) {
		return newAPIError(http.StatusForbidden, "forbidden", err.Error(), map[string]any{"operation": pe.Operation})
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", "not found", nil)
	}
	if errors.Is(err, queue.ErrReplayInProgress) {
		return newAPIError(http.StatusConflict, "replay_in_progress", err.Error(), nil)
	}
	var qe queue.CorruptError
	if errors.As(err, &qe) {
		return newAPIError(http.StatusInternalServerError, "queue_corrupt", err.Error(), map[string]any{
			"action_id": qe.ActionID,
			"dropped":   qe.Dropped,
		})
	}
	var se engine.PersistenceError
	if errors.As(err, &se) {
		return newAPIError(http.StatusInternalServerError, "storage_error", err.Error(), nil)
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func bodyBytes(ctx context.Context) []byte {
	b, _ := ctx.Value(bodyBytesKey{}).([]byte)
	return b
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
	healthPath := path.Join(basePath, "health")
	if !strings.HasPrefix(healthPath, "/") {
		healthPath = "/" + healthPath
	}
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
    <title>Valora API Docs</title>
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

func registerStudies(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-study",
		Method:        http.MethodPost,
		Path:          "/studies",
		Summary:       "Create study",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusConflict,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateStudyRequest `json:"body"`
	}) (*struct {
		Body domain.Study `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actor, err := actorFromContext(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		if err := auth.RequireAdmin(actor, "study.create"); err != nil {
			return nil, handleError(err)
		}
		var cfg *config.Config
		if input.Body.ConfigYAML != "" {
			cfg, err = config.FromYAML([]byte(input.Body.ConfigYAML))
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
			}
		}
		s, err := e.InitStudy(ctx, engine.StudyInitOptions{
			ID:          input.Body.ID,
			Name:        input.Body.Name,
			Description: input.Body.Description,
		}, cfg, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Study `json:"body"`
		}{Body: s}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-studies",
		Method:      http.MethodGet,
		Path:        "/studies",
		Summary:     "List studies",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.Study `json:"body"`
	}, error) {
		items, err := e.Repo.ListStudies(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Study `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-study",
		Method:      http.MethodGet,
		Path:        "/studies/{study_id}",
		Summary:     "Get study",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		StudyID string `path:"study_id"`
	}) (*struct {
		Body domain.Study `json:"body"`
	}, error) {
		s, err := e.Repo.GetStudy(ctx, input.StudyID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Study `json:"body"`
		}{Body: s}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-study-config",
		Method:      http.MethodGet,
		Path:        "/studies/{study_id}/config",
		Summary:     "Get study protocol config",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		StudyID string `path:"study_id"`
	}) (*struct {
		Body struct {
			ConfigYAML string `json:"config_yaml"`
		} `json:"body"`
	}, error) {
		cfg, err := e.Repo.GetStudyConfig(ctx, input.StudyID)
		if err != nil {
			return nil, handleError(err)
		}
		data, err := yaml.Marshal(cfg)
		if err != nil {
			return nil, handleError(err)
		}
		out := &struct {
			Body struct {
				ConfigYAML string `json:"config_yaml"`
			} `json:"body"`
		}{}
		out.Body.ConfigYAML = string(data)
		return out, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "study-status",
		Method:      http.MethodGet,
		Path:        "/studies/{study_id}/status",
		Summary:     "Study status",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		StudyID string `path:"study_id"`
	}) (*struct {
		Body StudyStatusResponse `json:"body"`
	}, error) {
		s, err := e.Repo.GetStudy(ctx, input.StudyID)
		if err != nil {
			return nil, handleError(err)
		}
		counts, err := e.Repo.CountSessionsByStatus(ctx, s.ID)
		if err != nil {
			return nil, handleError(err)
		}
		depth, err := e.Queue.Depth(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body StudyStatusResponse `json:"body"`
		}{Body: StudyStatusResponse{
			StudyID:       s.ID,
			Status:        s.Status,
			SessionCounts: counts,
			QueueDepth:    depth,
		}}, nil
	})
}

func registerSessions(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "start-session",
		Method:        http.MethodPost,
		Path:          "/sessions",
		Summary:       "Start interview session",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body StartSessionRequest `json:"body"`
	}) (*struct {
		Body domain.Session `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actor, err := actorFromContext(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		s, err := e.StartSession(ctx, engine.SessionStartOptions{
			ID:             input.Body.ID,
			StudyID:        input.Body.StudyID,
			RespondentCode: input.Body.RespondentCode,
			Language:       input.Body.Language,
			InterviewerID:  input.Body.InterviewerID,
		}, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Session `json:"body"`
		}{Body: s}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-sessions",
		Method:      http.MethodGet,
		Path:        "/sessions",
		Summary:     "List sessions",
	}, func(ctx context.Context, input *struct {
		StudyID       string `query:"study_id"`
		Status        string `query:"status" enum:",in_progress,completed,abandoned"`
		QualityStatus string `query:"quality_status" enum:",pending,approved,flagged,rejected"`
		InterviewerID string `query:"interviewer_id"`
		Limit         int    `query:"limit"`
	}) (*struct {
		Body []domain.Session `json:"body"`
	}, error) {
		actor, err := actorFromContext(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		items, err := e.ListSessions(ctx, domain.SessionFilter{
			StudyID:       input.StudyID,
			Status:        input.Status,
			QualityStatus: input.QualityStatus,
			InterviewerID: input.InterviewerID,
			Limit:         input.Limit,
		}, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Session `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-session",
		Method:      http.MethodGet,
		Path:        "/sessions/{session_id}",
		Summary:     "Get session with all responses",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		SessionID string `path:"session_id"`
	}) (*struct {
		Body SessionDetailResponse `json:"body"`
	}, error) {
		actor, err := actorFromContext(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		view, err := e.SessionDetail(ctx, input.SessionID, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SessionDetailResponse `json:"body"`
		}{Body: sessionDetailResponse(view)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "advance-step",
		Method:      http.MethodPost,
		Path:        "/sessions/{session_id}/advance",
		Summary:     "Advance the session one step",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		SessionID string             `path:"session_id"`
		Body      AdvanceStepRequest `json:"body"`
	}) (*struct {
		Body domain.Session `json:"body"`
	}, error) {
		actor, err := actorFromContext(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		s, err := e.AdvanceStep(ctx, engine.StepAdvanceOptions{
			SessionID: input.SessionID,
			From:      input.Body.From,
		}, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Session `json:"body"`
		}{Body: s}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "back-step",
		Method:      http.MethodPost,
		Path:        "/sessions/{session_id}/back",
		Summary:     "Move the session back for review",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		SessionID string          `path:"session_id"`
		Body      BackStepRequest `json:"body"`
	}) (*struct {
		Body domain.Session `json:"body"`
	}, error) {
		actor, err := actorFromContext(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		s, err := e.BackStep(ctx, engine.StepBackOptions{
			SessionID: input.SessionID,
			To:        input.Body.To,
		}, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Session `json:"body"`
		}{Body: s}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "abandon-session",
		Method:      http.MethodPost,
		Path:        "/sessions/{session_id}/abandon",
		Summary:     "Abandon the session",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		SessionID string `path:"session_id"`
	}) (*struct {
		Body domain.Session `json:"body"`
	}, error) {
		actor, err := actorFromContext(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		s, err := e.AbandonSession(ctx, input.SessionID, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Session `json:"body"`
		}{Body: s}, nil
	})
}

func registerResponses(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "record-eq5d",
		Method:        http.MethodPost,
		Path:          "/sessions/{session_id}/eq5d",
		Summary:       "Record the EQ-5D-5L warm-up response",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		SessionID string            `path:"session_id"`
		Body      RecordEQ5DRequest `json:"body"`
	}) (*struct {
		Body domain.EQ5DResponse `json:"body"`
	}, error) {
		actor, err := actorFromContext(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		rec, err := e.RecordEQ5D(ctx, engine.EQ5DRecordOptions{
			SessionID:  input.SessionID,
			Mobility:   input.Body.Mobility,
			SelfCare:   input.Body.SelfCare,
			Activities: input.Body.Activities,
			Pain:       input.Body.Pain,
			Anxiety:    input.Body.Anxiety,
			VASScore:   input.Body.VASScore,
		}, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.EQ5DResponse `json:"body"`
		}{Body: rec}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "record-tto",
		Method:        http.MethodPost,
		Path:          "/sessions/{session_id}/tto",
		Summary:       "Confirm one TTO task",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		SessionID string           `path:"session_id"`
		Body      RecordTTORequest `json:"body"`
	}) (*struct {
		Body domain.TTOResponse `json:"body"`
	}, error) {
		actor, err := actorFromContext(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		rec, err := e.RecordTTO(ctx, engine.TTORecordOptions{
			SessionID:        input.SessionID,
			TaskNumber:       input.Body.TaskNumber,
			HealthState:      input.Body.HealthState,
			WorseThanDeath:   input.Body.WorseThanDeath,
			Years:            input.Body.Years,
			MovesCount:       input.Body.MovesCount,
			TimeSpentSeconds: input.Body.TimeSpentSeconds,
		}, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.TTOResponse `json:"body"`
		}{Body: rec}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "record-dce",
		Method:        http.MethodPost,
		Path:          "/sessions/{session_id}/dce",
		Summary:       "Record one discrete-choice pair",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		SessionID string           `path:"session_id"`
		Body      RecordDCERequest `json:"body"`
	}) (*struct {
		Body domain.DCEResponse `json:"body"`
	}, error) {
		actor, err := actorFromContext(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		rec, err := e.RecordDCE(ctx, engine.DCERecordOptions{
			SessionID:    input.SessionID,
			PairNumber:   input.Body.PairNumber,
			HealthStateA: input.Body.HealthStateA,
			HealthStateB: input.Body.HealthStateB,
			Choice:       input.Body.Choice,
		}, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.DCEResponse `json:"body"`
		}{Body: rec}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "record-demographics",
		Method:        http.MethodPost,
		Path:          "/sessions/{session_id}/demographics",
		Summary:       "Record the demographics questionnaire",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		SessionID string                    `path:"session_id"`
		Body      RecordDemographicsRequest `json:"body"`
	}) (*struct {
		Body domain.Demographics `json:"body"`
	}, error) {
		actor, err := actorFromContext(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		rec, err := e.RecordDemographics(ctx, engine.DemographicsRecordOptions{
			SessionID:        input.SessionID,
			AgeBand:          input.Body.AgeBand,
			Gender:           input.Body.Gender,
			EducationLevel:   input.Body.EducationLevel,
			EmploymentStatus: input.Body.EmploymentStatus,
			Region:           input.Body.Region,
		}, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Demographics `json:"body"`
		}{Body: rec}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "add-note",
		Method:        http.MethodPost,
		Path:          "/sessions/{session_id}/notes",
		Summary:       "Attach an interviewer note",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		SessionID string         `path:"session_id"`
		Body      AddNoteRequest `json:"body"`
	}) (*struct {
		Body domain.SessionNote `json:"body"`
	}, error) {
		actor, err := actorFromContext(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		rec, err := e.AddNote(ctx, engine.NoteAddOptions{
			SessionID: input.SessionID,
			Note:      input.Body.Note,
		}, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.SessionNote `json:"body"`
		}{Body: rec}, nil
	})
}

func registerReview(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "set-quality-status",
		Method:      http.MethodPatch,
		Path:        "/sessions/{session_id}/quality",
		Summary:     "Set the quality review status",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		SessionID string               `path:"session_id"`
		Body      QualityReviewRequest `json:"body"`
	}) (*struct {
		Body domain.Session `json:"body"`
	}, error) {
		actor, err := actorFromContext(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		s, err := e.SetQualityStatus(ctx, engine.QualityReviewOptions{
			SessionID: input.SessionID,
			Status:    input.Body.Status,
			Notes:     input.Body.Notes,
		}, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Session `json:"body"`
		}{Body: s}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "pending-review",
		Method:      http.MethodGet,
		Path:        "/studies/{study_id}/review/pending",
		Summary:     "List completed sessions awaiting review",
		Errors: []int{
			http.StatusForbidden,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		StudyID string `path:"study_id"`
	}) (*struct {
		Body []domain.Session `json:"body"`
	}, error) {
		actor, err := actorFromContext(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		items, err := e.PendingReview(ctx, input.StudyID, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Session `json:"body"`
		}{Body: items}, nil
	})
}

func registerQueue(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "queue-status",
		Method:      http.MethodGet,
		Path:        "/queue",
		Summary:     "Offline queue status",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body QueueStatusResponse `json:"body"`
	}, error) {
		if _, err := actorFromContext(ctx); err != nil {
			return nil, handleError(err)
		}
		pending, err := e.Repo.ListPendingActions(ctx, "")
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body QueueStatusResponse `json:"body"`
		}{Body: QueueStatusResponse{Depth: len(pending), Pending: pending}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "queue-replay",
		Method:      http.MethodPost,
		Path:        "/queue/replay",
		Summary:     "Replay queued offline actions",
		Errors: []int{
			http.StatusConflict,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body ReplayResponse `json:"body"`
	}, error) {
		if _, err := actorFromContext(ctx); err != nil {
			return nil, handleError(err)
		}
		res, err := e.ReplayQueue(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ReplayResponse `json:"body"`
		}{Body: ReplayResponse{Applied: res.Applied, Skipped: res.Skipped, Rejected: res.Rejected}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "queue-reset",
		Method:      http.MethodPost,
		Path:        "/queue/reset",
		Summary:     "Drop all queued offline actions",
		Description: "Destructive: queued work that never replayed is lost.",
		Errors: []int{
			http.StatusForbidden,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body QueueResetResponse `json:"body"`
	}, error) {
		actor, err := actorFromContext(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		if err := auth.RequireAdmin(actor, "queue.reset"); err != nil {
			return nil, handleError(err)
		}
		dropped, err := e.Queue.Reset(ctx, "manual reset by "+actor.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body QueueResetResponse `json:"body"`
		}{Body: QueueResetResponse{Dropped: dropped}}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "Read the event log",
	}, func(ctx context.Context, input *struct {
		After   int64  `query:"after"`
		Limit   int    `query:"limit"`
		StudyID string `query:"study_id"`
	}) (*struct {
		Body []domain.Event `json:"body"`
	}, error) {
		if _, err := actorFromContext(ctx); err != nil {
			return nil, handleError(err)
		}
		limit := input.Limit
		if limit <= 0 || limit > 500 {
			limit = 100
		}
		items, err := e.Repo.EventsAfter(ctx, limit, input.After, input.StudyID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Event `json:"body"`
		}{Body: items}, nil
	})
}

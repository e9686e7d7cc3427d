// Package api exposes the job pipeline over HTTP. Requests are validated
// against the embedded OpenAPI document before reaching the handlers, so the
// handlers only deal with structurally sound payloads.
package api

import (
	"context"
	"encoding/json"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/getkin/kin-openapi/openapi3"
	"github.com/getkin/kin-openapi/openapi3filter"
	"github.com/getkin/kin-openapi/routers"
	"github.com/getkin/kin-openapi/routers/legacy"

	"github.com/sihlelab/effluent/internal/config"
	"github.com/sihlelab/effluent/internal/core/domain"
	"github.com/sihlelab/effluent/internal/core/ports"
	"github.com/sihlelab/effluent/internal/core/services"
)

//go:embed openapi.yaml
var specYAML []byte

type Server struct {
	logger    *slog.Logger
	submitter *services.Submitter
	source    ports.CountSource
	settings  *config.SettingsStore

	doc    *openapi3.T
	router routers.Router
}

func NewServer(logger *slog.Logger, submitter *services.Submitter, source ports.CountSource, settings *config.SettingsStore) (*Server, error) {
	loader := openapi3.NewLoader()
	doc, err := loader.LoadFromData(specYAML)
	if err != nil {
		return nil, fmt.Errorf("load openapi document: %w", err)
	}
	if err := doc.Validate(loader.Context); err != nil {
		return nil, fmt.Errorf("invalid openapi document: %w", err)
	}
	router, err := legacy.NewRouter(doc)
	if err != nil {
		return nil, fmt.Errorf("openapi router: %w", err)
	}

	return &Server{
		logger:    logger,
		submitter: submitter,
		source:    source,
		settings:  settings,
		doc:       doc,
		router:    router,
	}, nil
}

// Handler mounts all routes and wraps them with OpenAPI request validation.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/jobs", s.handleSubmit)
	mux.HandleFunc("GET /v1/jobs/{id}", s.handleGetJob)
	mux.HandleFunc("POST /v1/jobs/{id}/cancel", s.handleCancel)
	mux.HandleFunc("GET /v1/locations", s.handleLocations)
	mux.HandleFunc("GET /v1/settings", s.handleGetSettings)
	mux.HandleFunc("PUT /v1/settings", s.handleUpdateSettings)
	mux.HandleFunc("GET /v1/healthz", s.handleHealthz)
	mux.HandleFunc("GET /v1/openapi.json", s.handleOpenAPI)
	return s.validate(mux)
}

// validate rejects requests whose shape violates the OpenAPI document.
// Paths outside the document pass through untouched.
func (s *Server) validate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		route, pathParams, err := s.router.FindRoute(r)
		if err != nil {
			next.ServeHTTP(w, r)
			return
		}

		input := &openapi3filter.RequestValidationInput{
			Request:    r,
			PathParams: pathParams,
			Route:      route,
			Options: &openapi3filter.Options{
				AuthenticationFunc: openapi3filter.NoopAuthenticationFunc,
			},
		}
		if err := openapi3filter.ValidateRequest(r.Context(), input); err != nil {
			var reqErr *openapi3filter.RequestError
			if errors.As(err, &reqErr) {
				s.writeError(w, http.StatusBadRequest, reqErr.Error())
				return
			}
			s.writeError(w, http.StatusBadRequest, "request does not match API schema")
			return
		}
		next.ServeHTTP(w, r)
	})
}

type submitBody struct {
	Signatures []domain.VariantSignature `json:"signatures"`
	Location   string                    `json:"location"`
	DateFrom   string                    `json:"dateFrom"`
	DateTo     string                    `json:"dateTo"`
	Interval   string                    `json:"interval"`
	Options    *optionsBody              `json:"options"`
}

type optionsBody struct {
	SimplexConstraint  bool `json:"simplexConstraint"`
	SmoothingBandwidth int  `json:"smoothingBandwidth"`
	MinCoverage        int  `json:"minCoverage"`
	Bootstraps         int  `json:"bootstraps"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var body submitBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeError(w, http.StatusBadRequest, "malformed JSON body")
		return
	}

	req, err := body.toDomain()
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	id, err := s.submitter.Submit(r.Context(), req)
	if err != nil {
		// Only the caller's mistakes earn a 400; store or queue faults
		// are ours.
		if errors.Is(err, domain.ErrInvalidRequest) {
			s.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.internalError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]any{"jobId": id})
}

func (b submitBody) toDomain() (domain.SubmitRequest, error) {
	from, err := time.Parse("2006-01-02", b.DateFrom)
	if err != nil {
		return domain.SubmitRequest{}, fmt.Errorf("dateFrom: expected YYYY-MM-DD, got %q", b.DateFrom)
	}
	to, err := time.Parse("2006-01-02", b.DateTo)
	if err != nil {
		return domain.SubmitRequest{}, fmt.Errorf("dateTo: expected YYYY-MM-DD, got %q", b.DateTo)
	}

	interval := domain.BucketInterval(b.Interval)
	if b.Interval == "" {
		interval = domain.IntervalDaily
	}

	req := domain.SubmitRequest{
		Signatures: b.Signatures,
		Location:   b.Location,
		DateFrom:   from,
		DateTo:     to,
		Interval:   interval,
	}
	if b.Options != nil {
		req.Options = domain.DeconvolutionOptions{
			SimplexConstraint:  b.Options.SimplexConstraint,
			SmoothingBandwidth: b.Options.SmoothingBandwidth,
			MinCoverage:        b.Options.MinCoverage,
			Bootstraps:         b.Options.Bootstraps,
		}
	}
	return req, nil
}

type jobResponse struct {
	ID        domain.JobID              `json:"id"`
	Status    domain.JobStatus          `json:"status"`
	CreatedAt time.Time                 `json:"createdAt"`
	UpdatedAt time.Time                 `json:"updatedAt"`
	ExpiresAt time.Time                 `json:"expiresAt"`
	Progress  *domain.Progress          `json:"progress,omitempty"`
	Result    *domain.AbundanceEstimate `json:"result,omitempty"`
	Error     *domain.Error             `json:"error,omitempty"`
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id := domain.JobID(r.PathValue("id"))

	job, err := s.submitter.Status(r.Context(), id)
	if err != nil {
		if errors.Is(err, domain.ErrJobNotFound) {
			s.writeError(w, http.StatusNotFound, "job not found or expired")
			return
		}
		s.internalError(w, r, err)
		return
	}

	s.writeJSON(w, http.StatusOK, jobResponse{
		ID:        job.ID,
		Status:    job.Status,
		CreatedAt: job.CreatedAt,
		UpdatedAt: job.UpdatedAt,
		ExpiresAt: job.ExpiresAt,
		Progress:  job.Progress,
		Result:    job.Result,
		Error:     job.Error,
	})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := domain.JobID(r.PathValue("id"))

	accepted, err := s.submitter.Cancel(r.Context(), id)
	if err != nil {
		if errors.Is(err, domain.ErrJobNotFound) {
			s.writeError(w, http.StatusNotFound, "job not found or expired")
			return
		}
		s.internalError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]any{"accepted": accepted})
}

func (s *Server) handleLocations(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()

	locations, err := s.source.FetchLocations(ctx)
	if err != nil {
		s.writeError(w, http.StatusBadGateway, "upstream source unavailable")
		s.logger.Warn("location listing failed", "error", err)
		return
	}
	if locations == nil {
		locations = []string{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"locations": locations})
}

func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.settings.GetMasked())
}

func (s *Server) handleUpdateSettings(w http.ResponseWriter, r *http.Request) {
	var update config.SourceSettings
	if err := json.NewDecoder(r.Body).Decode(&update); err != nil {
		s.writeError(w, http.StatusBadRequest, "malformed JSON body")
		return
	}
	if err := s.settings.Update(r.Context(), update); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, s.settings.GetMasked())
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handleOpenAPI(w http.ResponseWriter, _ *http.Request) {
	raw, err := s.doc.MarshalJSON()
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(raw)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("response encoding failed", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]any{"error": msg})
}

func (s *Server) internalError(w http.ResponseWriter, r *http.Request, err error) {
	s.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	s.writeError(w, http.StatusInternalServerError, "internal error")
}

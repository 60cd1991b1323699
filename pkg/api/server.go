// Package api is the HTTP surface: public key submission and the model
// catalog, plus the authenticated admin routes.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/vosiander/llm-key-requestor/pkg/config"
	"github.com/vosiander/llm-key-requestor/pkg/keyrequest"
	"github.com/vosiander/llm-key-requestor/pkg/service"
)

// KeyService is what the handlers need from the service layer.
type KeyService interface {
	Submit(ctx context.Context, requester, model string) (service.Result, error)
	ListByState(ctx context.Context, filter string) ([]*keyrequest.Request, error)
	GetDetails(ctx context.Context, id string) (*keyrequest.Request, error)
	Override(ctx context.Context, id string, target keyrequest.State, reason string) (*keyrequest.Request, error)
	Models(ctx context.Context) []config.Model
}

// Server routes HTTP calls to a KeyService.
type Server struct {
	svc     KeyService
	auth    *AdminAuth
	limiter *IPRateLimiter
	origins []string
	logger  *slog.Logger
	router  chi.Router
}

type Option func(*Server)

// WithAdminAuth enables the admin routes. Without it they answer 401.
func WithAdminAuth(a *AdminAuth) Option {
	return func(s *Server) { s.auth = a }
}

func WithRateLimiter(l *IPRateLimiter) Option {
	return func(s *Server) { s.limiter = l }
}

func WithCORSOrigins(origins []string) Option {
	return func(s *Server) { s.origins = origins }
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

func NewServer(svc KeyService, opts ...Option) *Server {
	s := &Server{
		svc:    svc,
		logger: slog.Default().With("component", "api"),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.router = s.routes()
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(requestID)
	r.Use(middleware.Recoverer)
	r.Use(accessLog(s.logger))
	r.Use(cors(s.origins))
	r.Use(limitBody)

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeNotFound(w, r, "No route for "+r.URL.Path)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeProblem(w, r, http.StatusMethodNotAllowed, "The HTTP method is not supported for this endpoint")
	})

	r.Get("/", s.root)
	r.Get("/health", s.health)
	r.Get("/api/models", s.models)
	submit := http.Handler(http.HandlerFunc(s.requestKey))
	if s.limiter != nil {
		submit = s.limiter.Middleware(submit)
	}
	r.Method(http.MethodPost, "/api/request-key", submit)

	r.Route("/api/admin", func(r chi.Router) {
		r.Use(s.auth.Middleware)
		r.Post("/verify", s.verify)
		r.Get("/requests", s.listRequests)
		r.Get("/requests/{id}", s.getRequest)
		r.Post("/requests/{id}/{action}", s.override)
	})
	return r
}

func (s *Server) root(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"message": "LLM Key Requestor API", "status": "active"})
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (s *Server) models(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string][]config.Model{"models": s.svc.Models(r.Context())})
}

type keyRequestBody struct {
	LLM   string `json:"llm"`
	Email string `json:"email"`
}

type keyResponse struct {
	Message   string `json:"message"`
	Success   bool   `json:"success"`
	RequestID string `json:"request_id,omitempty"`
	State     string `json:"state,omitempty"`
}

func (s *Server) requestKey(w http.ResponseWriter, r *http.Request) {
	var body keyRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeBadRequest(w, r, "Request body must be a JSON object with llm and email")
		return
	}
	res, err := s.svc.Submit(r.Context(), body.Email, body.LLM)
	if errors.Is(err, service.ErrInvalidInput) {
		writeBadRequest(w, r, err.Error())
		return
	}
	if err != nil {
		writeInternal(w, r, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, keyResponse{
		Message:   res.Message,
		Success:   true,
		RequestID: res.Request.ID,
		State:     string(res.Request.State),
	})
}

type verifyResponse struct {
	Valid     bool       `json:"valid"`
	Username  string     `json:"username"`
	Token     string     `json:"token,omitempty"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// verify lets the admin UI check credentials. When token authentication is
// configured a fresh bearer token is returned as well.
func (s *Server) verify(w http.ResponseWriter, r *http.Request) {
	subject, _ := AdminFromContext(r.Context())
	resp := verifyResponse{Valid: true, Username: subject}
	if token, expires, err := s.auth.IssueToken(subject); err == nil {
		resp.Token = token
		resp.ExpiresAt = &expires
	}
	writeJSON(w, http.StatusOK, resp)
}

// requestView is the admin representation. The api key itself is never
// returned over HTTP.
type requestView struct {
	RequestID string           `json:"request_id"`
	Email     string           `json:"email"`
	Model     string           `json:"model"`
	State     keyrequest.State `json:"state"`
	CreatedAt time.Time        `json:"created_at"`
	UpdatedAt time.Time        `json:"updated_at"`
	HasAPIKey bool             `json:"has_api_key"`
}

func viewOf(r *keyrequest.Request) requestView {
	return requestView{
		RequestID: r.ID,
		Email:     r.Requester,
		Model:     r.Model,
		State:     r.State,
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
		HasAPIKey: r.APIKey != "",
	}
}

func (s *Server) listRequests(w http.ResponseWriter, r *http.Request) {
	filter := r.URL.Query().Get("filter")
	if filter == "" {
		filter = "pending"
	}
	reqs, err := s.svc.ListByState(r.Context(), filter)
	if errors.Is(err, service.ErrInvalidInput) {
		writeBadRequest(w, r, err.Error())
		return
	}
	if err != nil {
		writeInternal(w, r, s.logger, err)
		return
	}
	out := make([]requestView, len(reqs))
	for i, req := range reqs {
		out[i] = viewOf(req)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) getRequest(w http.ResponseWriter, r *http.Request) {
	req, err := s.svc.GetDetails(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeInternal(w, r, s.logger, err)
		return
	}
	if req == nil {
		writeNotFound(w, r, "Key request not found")
		return
	}
	writeJSON(w, http.StatusOK, viewOf(req))
}

var overrideTargets = map[string]keyrequest.State{
	"approve": keyrequest.StateApproved,
	"deny":    keyrequest.StateDenied,
	"pending": keyrequest.StatePending,
	"review":  keyrequest.StateReview,
}

type overrideBody struct {
	Reason string `json:"reason"`
}

type actionResponse struct {
	Success bool        `json:"success"`
	Message string      `json:"message"`
	Request requestView `json:"request"`
}

func (s *Server) override(w http.ResponseWriter, r *http.Request) {
	action := chi.URLParam(r, "action")
	target, ok := overrideTargets[action]
	if !ok {
		writeNotFound(w, r, "Unknown action "+action)
		return
	}

	var body overrideBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil && !errors.Is(err, io.EOF) {
		writeBadRequest(w, r, "Request body must be empty or a JSON object with reason")
		return
	}

	id := chi.URLParam(r, "id")
	admin, _ := AdminFromContext(r.Context())
	out, err := s.svc.Override(r.Context(), id, target, body.Reason)
	switch {
	case errors.Is(err, keyrequest.ErrNotFound):
		writeNotFound(w, r, "Key request not found")
		return
	case errors.Is(err, keyrequest.ErrInvalidTransition), errors.Is(err, keyrequest.ErrInvalidState):
		writeProblem(w, r, http.StatusConflict, err.Error())
		return
	case err != nil:
		writeInternal(w, r, s.logger, err)
		return
	}
	s.logger.InfoContext(r.Context(), "admin override applied", "admin", admin, "request_id", id, "state", out.State)
	writeJSON(w, http.StatusOK, actionResponse{
		Success: true,
		Message: "Request " + id + " is now " + string(out.State),
		Request: viewOf(out),
	})
}

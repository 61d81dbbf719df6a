package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime"
	"mime/multipart"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"meetra/internal/ratelimit"
	"meetra/internal/servicetoken"
	"meetra/internal/usertoken"
	"meetra/internal/util"
	"meetra/pkg/domain"
	"meetra/services/resume/internal/app"
)

const (
	multipartOverhead = 1 << 20
	maxJSONBody       = 1 << 20
	listLimit         = 50

	codeUnauthorized domain.ErrorCode = "Unauthorized"
	codeInternal     domain.ErrorCode = "InternalError"
)

// SubjectVerifier resolves the owner id from a user access token.
type SubjectVerifier interface {
	SubjectFromRequest(r *http.Request) (string, error)
}

// CallerVerifier authenticates internal service calls.
type CallerVerifier interface {
	VerifyRequest(r *http.Request) (servicetoken.Caller, error)
}

// Limiter throttles submissions per owner.
type Limiter interface {
	Allow(ctx context.Context, key string) (ratelimit.Decision, error)
}

// Config wires required dependencies for the HTTP server.
type Config struct {
	App            *app.App
	Users          SubjectVerifier
	Internal       CallerVerifier
	SubmitLimiter  Limiter
	TrustedProxies *util.TrustedProxies
	CORSOrigins    []string
	Logger         *slog.Logger
}

// Server exposes the resume HTTP API.
type Server struct {
	app      *app.App
	users    SubjectVerifier
	internal CallerVerifier
	limiter  Limiter
	trusted  *util.TrustedProxies
	logger   *slog.Logger
	cors     func(http.Handler) http.Handler
	router   chi.Router
}

// New constructs the server with routes configured.
func New(cfg Config) (*Server, error) {
	if cfg.App == nil {
		return nil, errors.New("server: app is required")
	}
	if cfg.Users == nil {
		return nil, errors.New("server: user token verifier is required")
	}
	if cfg.Internal == nil {
		return nil, errors.New("server: internal token verifier is required")
	}
	s := &Server{
		app:      cfg.App,
		users:    cfg.Users,
		internal: cfg.Internal,
		limiter:  cfg.SubmitLimiter,
		trusted:  cfg.TrustedProxies,
		logger:   cfg.Logger,
		cors:     util.NewCORS(cfg.CORSOrigins),
		router:   chi.NewRouter(),
	}
	s.routes()
	return s, nil
}

// Router returns the configured handler.
func (s *Server) Router() http.Handler {
	return util.WithRequestID(s.logger, util.WithRequestLog("resume", s.trusted,
		util.WithSecurityHeaders(s.cors(s.router))))
}

func (s *Server) routes() {
	r := s.router
	r.Use(middleware.Recoverer)
	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, domain.CodeNotFound, "route not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, domain.CodeValidation, "method not allowed")
	})

	r.Get("/healthz", s.handleHealth)

	r.Route("/api", func(r chi.Router) {
		r.Use(s.authenticated)
		r.Post("/resumes", s.handleSubmit)
		r.Get("/resumes", s.handleList)
		r.Get("/resumes/latest", s.handleLatest)
		r.Get("/resumes/{id}", s.handleStatus)
		r.Get("/profiles/active", s.handleActiveProfile)
		r.Put("/profiles/active/overrides", s.handleOverrides)
	})

	r.Route("/internal", func(r chi.Router) {
		r.Use(s.internalOnly)
		r.Get("/profiles/{ownerId}/active", s.handleInternalActiveProfile)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) authenticated(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		owner, err := s.users.SubjectFromRequest(r)
		if err != nil {
			s.audit(r, "resume.authorize", "fail", "reason", err.Error())
			writeError(w, http.StatusUnauthorized, codeUnauthorized, "unauthorized")
			return
		}
		ctx := usertoken.ContextWithOwner(r.Context(), owner)
		ctx = util.ContextWithLogger(ctx, util.LoggerFromContext(ctx).With("owner_id", owner))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) internalOnly(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		caller, err := s.internal.VerifyRequest(r)
		if err != nil {
			s.audit(r, "resume.internal.authorize", "fail", "reason", err.Error())
			writeError(w, http.StatusUnauthorized, codeUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r.WithContext(servicetoken.ContextWithCaller(r.Context(), caller)))
	})
}

func ownerFrom(r *http.Request) string {
	owner, _ := usertoken.OwnerFromContext(r.Context())
	return owner
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	owner := ownerFrom(r)
	if !s.allowSubmit(w, r, owner) {
		s.audit(r, "resume.submit", "rate_limited", "owner_id", owner)
		return
	}
	maxBytes := s.app.MaxUploadBytes()
	r.Body = http.MaxBytesReader(w, r.Body, maxBytes+multipartOverhead)
	if err := r.ParseMultipartForm(maxBytes + multipartOverhead); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, domain.CodePayloadTooLarge, "file exceeds the upload limit")
			return
		}
		writeError(w, http.StatusBadRequest, domain.CodeValidation, "invalid form data")
		return
	}
	defer func() {
		if r.MultipartForm != nil {
			_ = r.MultipartForm.RemoveAll()
		}
	}()
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, domain.CodeValidation, "file is required (field: file)")
		return
	}
	defer file.Close()
	data, err := io.ReadAll(io.LimitReader(file, maxBytes+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, domain.CodeValidation, "could not read file")
		return
	}

	doc, err := s.app.Submit(r.Context(), app.SubmitRequest{
		OwnerID:  owner,
		Filename: header.Filename,
		MimeType: partMimeType(header),
		Data:     data,
	})
	if err != nil {
		s.audit(r, "resume.submit", "fail", "owner_id", owner, "code", app.CodeOf(err))
		writeAppError(w, r, err)
		return
	}
	s.audit(r, "resume.submit", "success", "owner_id", owner, "resume_id", doc.ID)
	w.Header().Set("Location", "/api/resumes/"+doc.ID)
	writeJSON(w, http.StatusAccepted, newStatusResponse(doc))
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	docs, err := s.app.ListResumes(r.Context(), ownerFrom(r), listLimit)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	items := make([]statusResponse, 0, len(docs))
	for _, doc := range docs {
		items = append(items, newStatusResponse(doc))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items": items,
		"count": len(items),
	})
}

func (s *Server) handleLatest(w http.ResponseWriter, r *http.Request) {
	doc, err := s.app.LatestResume(r.Context(), ownerFrom(r))
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newStatusResponse(doc))
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	doc, err := s.app.GetStatus(r.Context(), ownerFrom(r), chi.URLParam(r, "id"))
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newStatusResponse(doc))
}

func (s *Server) handleActiveProfile(w http.ResponseWriter, r *http.Request) {
	active, err := s.app.ActiveProfile(r.Context(), ownerFrom(r))
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, active)
}

func (s *Server) handleOverrides(w http.ResponseWriter, r *http.Request) {
	var req overridesRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxJSONBody)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, domain.CodeValidation, "invalid JSON body")
		return
	}
	saved, err := s.app.SetOverrides(r.Context(), ownerFrom(r), req.Overrides)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"overrides": saved})
}

func (s *Server) handleInternalActiveProfile(w http.ResponseWriter, r *http.Request) {
	owner := strings.TrimSpace(chi.URLParam(r, "ownerId"))
	if owner == "" {
		writeError(w, http.StatusBadRequest, domain.CodeValidation, "ownerId is required")
		return
	}
	caller, _ := servicetoken.CallerFromContext(r.Context())
	active, err := s.app.ActiveProfile(r.Context(), owner)
	if err != nil {
		s.audit(r, "resume.internal.active_profile", "fail", "caller", caller.Service, "token_id", caller.TokenID, "owner_id", owner, "code", app.CodeOf(err))
		writeAppError(w, r, err)
		return
	}
	s.audit(r, "resume.internal.active_profile", "success", "caller", caller.Service, "token_id", caller.TokenID, "owner_id", owner, "resume_id", active.ResumeID)
	writeJSON(w, http.StatusOK, active)
}

func (s *Server) allowSubmit(w http.ResponseWriter, r *http.Request, owner string) bool {
	if s.limiter == nil {
		return true
	}
	decision, err := s.limiter.Allow(r.Context(), owner)
	if err != nil {
		util.LoggerFromContext(r.Context()).Error("submit rate limit check failed", "err", err)
	}
	if err == nil && decision.Allowed {
		return true
	}
	retry := int(decision.RetryAfter.Round(time.Second) / time.Second)
	if retry <= 0 {
		retry = 60
	}
	w.Header().Set("Retry-After", strconv.Itoa(retry))
	writeError(w, http.StatusTooManyRequests, domain.CodeRateLimited, "too many uploads, try again later")
	return false
}

func (s *Server) audit(r *http.Request, event, outcome string, attrs ...any) {
	logAttrs := []any{
		"event", event,
		"outcome", outcome,
		"path", r.URL.Path,
		"method", r.Method,
		"ip", util.ClientIP(r, s.trusted),
	}
	logAttrs = append(logAttrs, attrs...)
	logger := util.LoggerFromContext(r.Context())
	if outcome == "success" {
		logger.Info("security_event", logAttrs...)
		return
	}
	logger.Warn("security_event", logAttrs...)
}

// partMimeType prefers the declared part type and falls back to the file
// extension when a client sends a generic type.
func partMimeType(header *multipart.FileHeader) string {
	declared := strings.TrimSpace(header.Header.Get("Content-Type"))
	if mt, _, err := mime.ParseMediaType(declared); err == nil && mt != "application/octet-stream" {
		return declared
	}
	switch strings.ToLower(filepath.Ext(header.Filename)) {
	case ".pdf":
		return domain.MimePDF
	case ".docx":
		return domain.MimeDOCX
	}
	return declared
}

type overridesRequest struct {
	Overrides []app.OverrideInput `json:"overrides"`
}

type statusResponse struct {
	ID               string             `json:"id"`
	State            domain.ResumeState `json:"state"`
	ProgressStage    string             `json:"progressStage"`
	OriginalFilename string             `json:"originalFilename"`
	MimeType         string             `json:"mimeType"`
	ByteSize         int64              `json:"byteSize"`
	ErrorCode        domain.ErrorCode   `json:"errorCode,omitempty"`
	ErrorMessage     string             `json:"errorMessage,omitempty"`
	ResultRef        string             `json:"resultRef,omitempty"`
	ParseConfidence  *float64           `json:"parseConfidence,omitempty"`
	ParsedAt         *time.Time         `json:"parsedAt,omitempty"`
	CreatedAt        time.Time          `json:"createdAt"`
	UpdatedAt        time.Time          `json:"updatedAt"`
}

func newStatusResponse(doc domain.ResumeDocument) statusResponse {
	return statusResponse{
		ID:               doc.ID,
		State:            doc.State,
		ProgressStage:    doc.State.ProgressStage(),
		OriginalFilename: doc.OriginalFilename,
		MimeType:         doc.MimeType,
		ByteSize:         doc.ByteSize,
		ErrorCode:        doc.ErrorCode,
		ErrorMessage:     doc.ErrorMessage,
		ResultRef:        doc.ResultRef,
		ParseConfidence:  doc.ParseConfidence,
		ParsedAt:         doc.ParsedAt,
		CreatedAt:        doc.CreatedAt,
		UpdatedAt:        doc.UpdatedAt,
	}
}

func statusFor(code domain.ErrorCode) int {
	switch code {
	case domain.CodeUnsupportedFormat, domain.CodeEmptyFile:
		return http.StatusUnprocessableEntity
	case domain.CodePayloadTooLarge:
		return http.StatusRequestEntityTooLarge
	case domain.CodeDuplicateResume:
		return http.StatusConflict
	case domain.CodeNotFound:
		return http.StatusNotFound
	case domain.CodeValidation:
		return http.StatusBadRequest
	case domain.CodeRateLimited:
		return http.StatusTooManyRequests
	case domain.CodeQueueError, domain.CodeStorageWriteFailed:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeAppError(w http.ResponseWriter, r *http.Request, err error) {
	var appErr *app.Error
	if errors.As(err, &appErr) {
		writeError(w, statusFor(appErr.Code), appErr.Code, appErr.Message)
		return
	}
	util.LoggerFromContext(r.Context()).Error("request failed", "path", r.URL.Path, "err", err)
	writeJSON(w, http.StatusInternalServerError, map[string]string{
		"code":      string(codeInternal),
		"message":   "internal error",
		"requestId": util.RequestIDFromContext(r.Context()),
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code domain.ErrorCode, msg string) {
	writeJSON(w, status, map[string]string{"code": string(code), "message": msg})
}

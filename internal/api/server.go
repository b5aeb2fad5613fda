package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/campaign-indexer/internal/campaign"
	"github.com/JakeFAU/campaign-indexer/internal/config"
	"github.com/JakeFAU/campaign-indexer/internal/intake"
	"github.com/JakeFAU/campaign-indexer/internal/metrics"
)

const (
	defaultRequestTimeout = 60 * time.Second
	defaultMaxBodyBytes   = 1 << 20
	readinessTimeout      = 2 * time.Second
)

// Submitter accepts campaign submissions.
type Submitter interface {
	Submit(ctx context.Context, sub intake.Submission) (intake.Result, error)
}

// StatusReader answers owner-scoped credit and campaign queries.
type StatusReader interface {
	GetCredits(ctx context.Context, ownerToken string) (int64, error)
	ListCampaigns(ctx context.Context, ownerToken string) ([]campaign.Summary, error)
}

// ReadinessCheck checks one downstream dependency for /readyz.
type ReadinessCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

// Server wires HTTP handlers to the intake and status services.
type Server struct {
	router    chi.Router
	submitter Submitter
	status    StatusReader
	checks    []ReadinessCheck
	cfg       config.ServerConfig
	logger    *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(
	submitter Submitter,
	status StatusReader,
	checks []ReadinessCheck,
	cfg config.ServerConfig,
	logger *zap.Logger,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = defaultMaxBodyBytes
	}
	s := &Server{
		submitter: submitter,
		status:    status,
		checks:    checks,
		cfg:       cfg,
		logger:    logger.Named("api"),
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(s.logger))
	r.Use(recoverMiddleware(s.logger))
	r.Use(metrics.Middleware)
	r.Use(corsMiddleware(cfg.CORSOrigins))
	r.Use(timeoutMiddleware(cfg.RequestTimeout))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Post("/submit", s.submit)
		r.Get("/credits", s.credits)
		r.Get("/campaigns", s.campaigns)
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	failures := map[string]string{}
	for _, check := range s.checks {
		ctx, cancel := context.WithTimeout(r.Context(), readinessTimeout)
		err := check.Check(ctx)
		cancel()
		if err != nil {
			s.logger.Warn("readiness check failed", zap.String("check", check.Name), zap.Error(err))
			failures[check.Name] = err.Error()
		}
	}
	if len(failures) > 0 {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "unavailable", "failures": failures})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type submitRequest struct {
	Name          string   `json:"name"`
	CampaignName  string   `json:"campaignName"`
	URLs          []string `json:"urls"`
	OwnerToken    string   `json:"ownerToken"`
	ClientToken   string   `json:"clientToken"`
	SubmissionKey string   `json:"submissionKey"`
}

func (req submitRequest) submission(idempotencyKey string) intake.Submission {
	return intake.Submission{
		OwnerToken:    firstNonEmpty(req.OwnerToken, req.ClientToken),
		Name:          firstNonEmpty(req.Name, req.CampaignName),
		URLs:          req.URLs,
		SubmissionKey: firstNonEmpty(req.SubmissionKey, idempotencyKey),
	}
}

type submitResponse struct {
	CampaignID       string `json:"campaignId"`
	OwnerToken       string `json:"ownerToken"`
	RemainingCredits int64  `json:"remainingCredits"`
	// NewCampaignToken repeats OwnerToken when this request issued it.
	NewCampaignToken string `json:"newCampaignToken,omitempty"`
	Duplicate        bool   `json:"duplicate,omitempty"`
}

func (s *Server) submit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	body := http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	if err := json.NewDecoder(body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}

	sub := req.submission(strings.TrimSpace(r.Header.Get("Idempotency-Key")))
	res, err := s.submitter.Submit(r.Context(), sub)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	status := http.StatusAccepted
	if res.Duplicate {
		status = http.StatusOK
	}
	resp := submitResponse{
		CampaignID:       res.CampaignID,
		OwnerToken:       res.OwnerToken,
		RemainingCredits: res.RemainingCredits,
		Duplicate:        res.Duplicate,
	}
	if strings.TrimSpace(sub.OwnerToken) == "" {
		resp.NewCampaignToken = res.OwnerToken
	}
	writeJSON(w, status, resp)
}

func (s *Server) credits(w http.ResponseWriter, r *http.Request) {
	owner := ownerFromQuery(r)
	remaining, err := s.status.GetCredits(r.Context(), owner)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"remainingCredits": remaining})
}

func (s *Server) campaigns(w http.ResponseWriter, r *http.Request) {
	owner := ownerFromQuery(r)
	list, err := s.status.ListCampaigns(r.Context(), owner)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string][]campaign.Summary{"campaigns": list})
}

func (s *Server) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, campaign.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, campaign.ErrInsufficientCredits):
		writeError(w, http.StatusPaymentRequired, err.Error())
	case errors.Is(err, campaign.ErrUnknownOwner), errors.Is(err, campaign.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusRequestTimeout, "request timed out")
	default:
		s.logger.Error("request failed",
			zap.String("path", r.URL.Path),
			zap.String("request_id", requestID(r.Context())),
			zap.Error(err),
		)
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

func ownerFromQuery(r *http.Request) string {
	q := r.URL.Query()
	return strings.TrimSpace(firstNonEmpty(q.Get("ownerToken"), q.Get("token")))
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func requestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			logger.Info("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.status),
				zap.String("request_id", requestID(r.Context())),
				zap.Duration("duration", time.Since(start)),
			)
		})
	}
}

func recoverMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered",
						zap.Any("error", rec),
						zap.String("request_id", requestID(r.Context())),
					)
					writeError(w, http.StatusInternalServerError, "internal server error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

// corsMiddleware answers preflight requests and tags responses for allowed
// origins. A "*" entry allows any origin.
func corsMiddleware(origins []string) func(http.Handler) http.Handler {
	allowAll := slices.Contains(origins, "*")
	return func(next http.Handler) http.Handler {
		if len(origins) == 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if origin != "" && (allowAll || slices.Contains(origins, origin)) {
				h := w.Header()
				h.Set("Access-Control-Allow-Origin", origin)
				h.Add("Vary", "Origin")
				h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
				h.Set("Access-Control-Allow-Headers", "Content-Type, Idempotency-Key, X-Request-ID")
				if r.Method == http.MethodOptions {
					w.WriteHeader(http.StatusNoContent)
					return
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	if err != nil {
		return n, fmt.Errorf("write response: %w", err)
	}
	return n, nil
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		conn, buf, err := h.Hijack()
		if err != nil {
			return nil, nil, fmt.Errorf("hijack connection: %w", err)
		}
		return conn, buf, nil
	}
	return nil, nil, errors.New("hijacker not supported")
}

type requestIDKey struct{}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

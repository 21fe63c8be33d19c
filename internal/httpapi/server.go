// Copyright 2025 James Ross
package httpapi

import (
	"context"
	"net/http"

	"github.com/jdforge/queuecore/internal/config"
	"github.com/jdforge/queuecore/internal/ratelimit"
	"go.uber.org/zap"
)

// HTTPServer owns the net/http.Server lifecycle and applies the
// documented middleware chain around Server's routes: request ID,
// recovery, CORS, audit, rate limit -- in that order, so the audit log
// sees the final status code and the rate limiter runs last, closest to
// the handler it protects.
type HTTPServer struct {
	api   *Server
	http  *http.Server
	audit *AuditLogger
	log   *zap.Logger
}

// NewHTTPServer builds the net/http.Server around api, wiring whichever
// rate limiter the config selects (Redis-backed when a Redis address is
// configured, in-process otherwise) and an optional rotated audit log.
func NewHTTPServer(cfg config.HTTP, api *Server, log *zap.Logger) *HTTPServer {
	var audit *AuditLogger
	if cfg.AuditEnabled && cfg.AuditLogPath != "" {
		audit = NewAuditLogger(cfg.AuditLogPath, cfg.AuditRotateSizeMB, cfg.AuditMaxBackups)
	}

	var limiter ratelimit.Limiter
	if cfg.RateLimitEnabled {
		if cfg.RateLimitRedisAddr != "" {
			limiter = ratelimit.NewRedis(cfg.RateLimitRedisAddr, cfg.RateLimitPerMinute, cfg.RateLimitBurst)
		} else {
			limiter = ratelimit.NewInProcess(cfg.RateLimitPerMinute, cfg.RateLimitBurst)
		}
	}

	handler := applyMiddleware(api.Router(), log, audit, cfg, limiter)

	return &HTTPServer{
		api:   api,
		audit: audit,
		log:   log,
		http: &http.Server{
			Addr:         cfg.ListenAddr,
			Handler:      handler,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		},
	}
}

func applyMiddleware(next http.Handler, log *zap.Logger, audit *AuditLogger, cfg config.HTTP, limiter ratelimit.Limiter) http.Handler {
	h := next
	h = RateLimitMiddleware(limiter)(h)
	h = AuditMiddleware(audit)(h)
	if cfg.CORSEnabled {
		h = CORSMiddleware(cfg.CORSAllowOrigins)(h)
	}
	h = RecoveryMiddleware(log)(h)
	h = RequestIDMiddleware()(h)
	return h
}

// ListenAndServe blocks serving HTTP until the process is asked to stop.
func (s *HTTPServer) ListenAndServe() error {
	s.log.Info("http server listening", zap.String("addr", s.http.Addr))
	err := s.http.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests (notably open SSE streams) within
// ctx's deadline, then closes the audit log writer.
func (s *HTTPServer) Shutdown(ctx context.Context) error {
	err := s.http.Shutdown(ctx)
	if s.audit != nil {
		_ = s.audit.Close()
	}
	return err
}

package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
)

// ContextKey is a custom type for context keys to avoid collisions.
type ContextKey string

const (
	WalletKey ContextKey = "wallet"

	walletHeader = "X-Wallet-Address"
	walletCookie = "wallet"
)

// WalletMiddleware puts the caller's wallet address into the request context.
// Sessions are established elsewhere; this only reads the header or cookie they leave behind.
func WalletMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		wallet := strings.TrimSpace(r.Header.Get(walletHeader))
		if wallet == "" {
			if cookie, err := r.Cookie(walletCookie); err == nil {
				wallet = strings.TrimSpace(cookie.Value)
			}
		}
		ctx := context.WithValue(r.Context(), WalletKey, wallet)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func walletFrom(r *http.Request) string {
	wallet, _ := r.Context().Value(WalletKey).(string)
	return wallet
}

// NewStructuredLogger logs one record per request.
func NewStructuredLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			defer func() {
				status := ww.Status()
				if status == 0 {
					status = http.StatusOK
				}
				level := slog.LevelInfo
				if status >= 500 {
					level = slog.LevelError
				}
				logger.LogAttrs(r.Context(), level, "HTTP request",
					slog.String("method", r.Method),
					slog.String("path", r.URL.Path),
					slog.Int("status", status),
					slog.Int("bytes", ww.BytesWritten()),
					slog.Duration("duration", time.Since(start)),
					slog.String("request_id", middleware.GetReqID(r.Context())),
				)
			}()
			next.ServeHTTP(ww, r)
		})
	}
}

// NewSecurityHeadersMiddleware sets response hardening headers. imageOrigin is added to
// the image sources allowed by the content security policy when images live off-site.
func NewSecurityHeadersMiddleware(imageOrigin string) func(http.Handler) http.Handler {
	imgSrc := "'self' data:"
	if imageOrigin != "" {
		imgSrc += " " + imageOrigin
	}
	csp := "default-src 'none'; img-src " + imgSrc + "; frame-ancestors 'none'"
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			h := w.Header()
			h.Set("Content-Security-Policy", csp)
			h.Set("X-Content-Type-Options", "nosniff")
			h.Set("X-Frame-Options", "DENY")
			h.Set("Referrer-Policy", "no-referrer")
			next.ServeHTTP(w, r)
		})
	}
}

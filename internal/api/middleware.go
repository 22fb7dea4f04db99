package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"runtime/debug"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

const defaultCacheTTL = 30 * time.Second

var errInvalidKey = errors.New("api key does not match")

// --- Auth cache (stale-while-revalidate) ---

type cacheEntry struct {
	expiresAt  time.Time
	refreshing atomic.Bool
}

// authCache remembers verified keys so bcrypt runs once per key per TTL.
type authCache struct {
	store sync.Map // map[string]*cacheEntry (keyed by full API key)
	ttl   time.Duration
}

func newAuthCache(ttl time.Duration) *authCache {
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	return &authCache{ttl: ttl}
}

func (c *authCache) get(key string) (hit bool, needsRefresh bool) {
	v, ok := c.store.Load(key)
	if !ok {
		return false, false
	}
	entry := v.(*cacheEntry)
	if time.Now().Before(entry.expiresAt) {
		return true, false
	}
	// Stale: serve it, only one goroutine refreshes.
	return true, entry.refreshing.CompareAndSwap(false, true)
}

func (c *authCache) set(key string) {
	c.store.Store(key, &cacheEntry{expiresAt: time.Now().Add(c.ttl)})
}

func (c *authCache) delete(key string) {
	c.store.Delete(key)
}

// --- Auth middleware ---

// authMiddleware validates "Authorization: Bearer <key>" against APIKeyHash.
func (d *Dependencies) authMiddleware(next http.HandlerFunc) http.HandlerFunc {
	cache := newAuthCache(d.CacheTTL)

	return func(w http.ResponseWriter, r *http.Request) {
		token, ok := extractBearerToken(r)
		if !ok || token == "" {
			writeJSON(w, http.StatusUnauthorized, ErrorResp{Error: "Missing or invalid Authorization header"})
			return
		}

		hit, needsRefresh := cache.get(token)
		if hit {
			if needsRefresh {
				go d.refreshAuth(cache, token)
			}
			next(w, r)
			return
		}

		if err := d.verifyKey(token); err != nil {
			d.Logger.Warn("auth failed", zap.Error(err))
			writeJSON(w, http.StatusUnauthorized, ErrorResp{Error: "Invalid API key"})
			return
		}

		cache.set(token)
		next(w, r)
	}
}

func (d *Dependencies) verifyKey(token string) error {
	if err := bcrypt.CompareHashAndPassword([]byte(d.APIKeyHash), []byte(token)); err != nil {
		if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
			return errInvalidKey
		}
		return err
	}
	return nil
}

// refreshAuth re-verifies a stale key in the background and evicts it on failure.
func (d *Dependencies) refreshAuth(cache *authCache, token string) {
	if err := d.verifyKey(token); err != nil {
		d.Logger.Warn("background auth refresh failed", zap.Error(err))
		cache.delete(token)
		return
	}
	cache.set(token)
}

// extractBearerToken extracts the token from "Authorization: Bearer <token>".
func extractBearerToken(r *http.Request) (string, bool) {
	auth := r.Header.Get("Authorization")
	if len(auth) < 7 || !strings.EqualFold(auth[:7], "bearer ") {
		return "", false
	}
	return strings.TrimSpace(auth[7:]), true
}

// --- JSON helpers ---

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

// readJSON decodes a JSON request body into the given pointer.
func readJSON(r *http.Request, v any) error {
	defer func() { _ = r.Body.Close() }()
	return json.NewDecoder(r.Body).Decode(v)
}

// --- Request logging ---

func requestLogging(next http.Handler, logger *zap.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		logger.Info("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.String("request_id", requestIDFromContext(r.Context())),
			zap.Int("status", sw.status),
			zap.Duration("duration", time.Since(start)),
		)
	})
}

type statusWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.wroteHeader = true
	w.ResponseWriter.WriteHeader(status)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	w.wroteHeader = true
	return w.ResponseWriter.Write(b)
}

// --- Panic recovery ---

func recovery(next http.Handler, logger *zap.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			if rec == http.ErrAbortHandler {
				panic(rec)
			}
			logger.Error("handler panic",
				zap.Any("panic", rec),
				zap.String("path", r.URL.Path),
				zap.ByteString("stack", debug.Stack()),
			)
			if sw, ok := w.(*statusWriter); ok && sw.wroteHeader {
				return
			}
			writeJSON(w, http.StatusInternalServerError, ErrorResp{Error: "Internal server error"})
		}()
		next.ServeHTTP(w, r)
	})
}

// --- CORS ---

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
		w.Header().Set("Access-Control-Expose-Headers", "X-Request-ID")
		w.Header().Set("Access-Control-Max-Age", "86400")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// --- Request ids ---

// contextKey is an unexported type for context keys to avoid collisions.
type contextKey int

const requestIDCtxKey contextKey = iota

// requestID stamps every request with a fresh X-Request-ID.
func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := uuid.New().String()
		w.Header().Set("X-Request-ID", id)
		ctx := context.WithValue(r.Context(), requestIDCtxKey, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func requestIDFromContext(ctx context.Context) string {
	v, _ := ctx.Value(requestIDCtxKey).(string)
	return v
}

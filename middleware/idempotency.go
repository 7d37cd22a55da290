package middleware

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

const (
	// IdempotencyHeader is the standard HTTP header for idempotency keys
	IdempotencyHeader = "Idempotency-Key"

	// IdempotencyHitHeader marks a response replayed from the cache
	IdempotencyHitHeader = "X-Idempotency-Hit"

	// IdempotencyCacheTTL defines how long responses are cached in Redis
	IdempotencyCacheTTL = 24 * time.Hour

	// LockTimeout prevents indefinite locks if a request crashes
	LockTimeout = 10 * time.Second

	// RedisKeyPrefix for namespacing idempotency keys
	RedisKeyPrefix = "idempotency:"

	// LockKeyPrefix for namespacing in-flight markers
	LockKeyPrefix = "idempotency-lock:"
)

// cachedResponse is what gets stored for a completed request.
type cachedResponse struct {
	Status int    `json:"status"`
	Body   []byte `json:"body"`
}

// responseWriterWrapper captures HTTP responses for caching.
// It intercepts both the status code and response body to store in Redis.
type responseWriterWrapper struct {
	http.ResponseWriter
	statusCode int
	body       bytes.Buffer
}

// WriteHeader captures the HTTP status code before delegating to the underlying writer.
func (rw *responseWriterWrapper) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Write captures the response body while also writing to the client.
func (rw *responseWriterWrapper) Write(b []byte) (int, error) {
	rw.body.Write(b)
	return rw.ResponseWriter.Write(b)
}

// Idempotency replays the stored response for a repeated Idempotency-Key.
// Keys are scoped to method and path. Requests without the header pass
// through untouched, so every such request is processed anew.
//
// Flow:
//  1. Extract idempotency key from request headers
//  2. Check Redis cache for existing response
//  3. Mark the key in flight; a concurrent duplicate gets 409
//  4. Check the cache again, then process the request
//  5. Store successful responses in Redis with TTL
func Idempotency(rdb *redis.Client, logger *zap.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = zap.NewNop()
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()

			idempotencyKey := r.Header.Get(IdempotencyHeader)
			if idempotencyKey == "" {
				next.ServeHTTP(w, r)
				return
			}

			scope := r.Method + ":" + r.URL.Path + ":" + idempotencyKey
			cacheKey := RedisKeyPrefix + scope
			lockKey := LockKeyPrefix + scope
			log := logger.With(zap.String("idempotency_key", idempotencyKey))

			if replayed, err := replay(ctx, rdb, w, cacheKey, log); replayed || err != nil {
				if err != nil {
					log.Error("idempotency cache lookup failed", zap.Error(err))
					writeJSONError(w, http.StatusInternalServerError, "internal_error", "Internal server error")
				}
				return
			}

			acquired, err := rdb.SetNX(ctx, lockKey, "processing", LockTimeout).Result()
			if err != nil {
				log.Error("idempotency lock failed", zap.Error(err))
				writeJSONError(w, http.StatusInternalServerError, "internal_error", "Internal server error")
				return
			}
			if !acquired {
				log.Info("concurrent request with same idempotency key")
				writeJSONError(w, http.StatusConflict, "conflict",
					"A request with this idempotency key is currently being processed")
				return
			}

			defer func() {
				if err := rdb.Del(context.WithoutCancel(ctx), lockKey).Err(); err != nil {
					log.Warn("failed to release idempotency lock", zap.Error(err))
				}
			}()

			// A duplicate that finished between the cache miss and SetNX has
			// already stored its response.
			if replayed, err := replay(ctx, rdb, w, cacheKey, log); replayed || err != nil {
				if err != nil {
					log.Error("idempotency cache lookup failed", zap.Error(err))
					writeJSONError(w, http.StatusInternalServerError, "internal_error", "Internal server error")
				}
				return
			}

			wrapper := &responseWriterWrapper{
				ResponseWriter: w,
				statusCode:     http.StatusOK,
			}
			next.ServeHTTP(wrapper, r)

			// Cache successful responses only (2xx status codes)
			if wrapper.statusCode < 200 || wrapper.statusCode >= 300 {
				return
			}
			payload, err := json.Marshal(cachedResponse{Status: wrapper.statusCode, Body: wrapper.body.Bytes()})
			if err != nil {
				log.Error("failed to encode response for cache", zap.Error(err))
				return
			}
			if err := rdb.Set(context.WithoutCancel(ctx), cacheKey, payload, IdempotencyCacheTTL).Err(); err != nil {
				log.Error("failed to cache response", zap.Error(err))
				return
			}
			log.Debug("cached response", zap.Duration("ttl", IdempotencyCacheTTL))
		})
	}
}

// replay writes the cached response for cacheKey, if there is one.
func replay(ctx context.Context, rdb *redis.Client, w http.ResponseWriter, cacheKey string, log *zap.Logger) (bool, error) {
	raw, err := rdb.Get(ctx, cacheKey).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	var cached cachedResponse
	if err := json.Unmarshal(raw, &cached); err != nil {
		log.Warn("discarding unreadable cached response")
		return false, nil
	}
	log.Debug("idempotency cache hit")
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set(IdempotencyHitHeader, "true")
	w.WriteHeader(cached.Status)
	_, _ = w.Write(cached.Body)
	return true, nil
}

func writeJSONError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error":   code,
		"message": message,
	})
}

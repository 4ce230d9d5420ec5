package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const IdempotencyHeader = "Idempotency-Key"

// IdempotencyStore remembers responses by client-supplied key.
type IdempotencyStore interface {
	AcquireIdempotencyKey(ctx context.Context, key string, ttl time.Duration) (bool, []byte, error)
	CompleteIdempotencyKey(ctx context.Context, key string, response []byte, ttl time.Duration) error
	ReleaseIdempotencyKey(ctx context.Context, key string) error
}

type storedResponse struct {
	Status int    `json:"status"`
	Body   []byte `json:"body"`
}

type bodyRecorder struct {
	gin.ResponseWriter
	body *bytes.Buffer
}

func (w *bodyRecorder) Write(b []byte) (int, error) {
	w.body.Write(b)
	return w.ResponseWriter.Write(b)
}

// Idempotency replays the first completed response for a repeated
// Idempotency-Key. Requests without the header pass through. Server errors
// release the key so the client can retry.
func Idempotency(store IdempotencyStore, ttl time.Duration, logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader(IdempotencyHeader)
		if header == "" {
			c.Next()
			return
		}
		key := c.Request.Method + ":" + c.FullPath() + ":" + header
		ctx := c.Request.Context()

		acquired, stored, err := store.AcquireIdempotencyKey(ctx, key, ttl)
		if err != nil {
			logger.Warn("idempotency store unavailable", zap.Error(err))
			c.Next()
			return
		}
		if !acquired {
			var resp storedResponse
			if stored == nil || json.Unmarshal(stored, &resp) != nil {
				c.AbortWithStatusJSON(http.StatusConflict, gin.H{"error": "a request with this Idempotency-Key is in progress"})
				return
			}
			c.Header("Idempotent-Replayed", "true")
			c.Data(resp.Status, "application/json; charset=utf-8", resp.Body)
			c.Abort()
			return
		}

		rec := &bodyRecorder{ResponseWriter: c.Writer, body: &bytes.Buffer{}}
		c.Writer = rec
		c.Next()

		if rec.Status() >= http.StatusInternalServerError {
			if err := store.ReleaseIdempotencyKey(context.WithoutCancel(ctx), key); err != nil {
				logger.Warn("release idempotency key", zap.Error(err))
			}
			return
		}
		payload, err := json.Marshal(storedResponse{Status: rec.Status(), Body: rec.body.Bytes()})
		if err != nil {
			return
		}
		if err := store.CompleteIdempotencyKey(context.WithoutCancel(ctx), key, payload, ttl); err != nil {
			logger.Warn("store idempotent response", zap.Error(err))
		}
	}
}

// RateLimit rejects requests above the limiter's rate with 429.
func RateLimit(limiter *rate.Limiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !limiter.Allow() {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
			return
		}
		c.Next()
	}
}

func RequestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
		}
		if len(c.Errors) > 0 {
			logger.Error("request failed", append(fields, zap.String("error", c.Errors.String()))...)
			return
		}
		logger.Debug("request", fields...)
	}
}

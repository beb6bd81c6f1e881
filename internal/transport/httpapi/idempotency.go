package httpapi

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/vladislavdragonenkov/cartsync/internal/domain"
)

const (
	idempotencyKeyHeader      = "Idempotency-Key"
	idempotentReplayedHeader  = "Idempotent-Replayed"
	defaultIdempotencyTTL     = 24 * time.Hour
	maxIdempotencyKeyLength   = 255
	idempotencyProcessingText = "request with the same idempotency key is already processing"
)

// WithIdempotency включает повтор ответов мутаций по заголовку Idempotency-Key.
func WithIdempotency(repo domain.IdempotencyRepository, ttl time.Duration) Option {
	return func(h *Handler) {
		h.idempotency = repo
		if ttl > 0 {
			h.idempotencyTTL = ttl
		}
	}
}

// idempotent оборачивает мутацию: первый запрос с ключом выполняется,
// повторы с тем же телом получают сохранённый ответ.
// Запросы без заголовка проходят как есть.
func (h *Handler) idempotent(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := strings.TrimSpace(r.Header.Get(idempotencyKeyHeader))
		if h.idempotency == nil || key == "" {
			next.ServeHTTP(w, r)
			return
		}
		if len(key) > maxIdempotencyKeyLength {
			h.writeError(w, fmt.Errorf("%w: idempotency key is too long", errBadRequest))
			return
		}

		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
		if err != nil {
			h.writeError(w, fmt.Errorf("%w: %w", errBadRequest, err))
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(body))

		// запись должна завершиться, даже если клиент уже отключился
		ctx := context.WithoutCancel(r.Context())
		record, err := h.idempotency.CreateProcessing(ctx, key, requestHash(r, body), time.Now().UTC().Add(h.idempotencyTTL))
		if err != nil {
			h.replayIdempotent(w, key, record, err)
			return
		}

		var captured bytes.Buffer
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		ww.Tee(&captured)
		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		if status >= http.StatusInternalServerError {
			err = h.idempotency.MarkFailed(ctx, key, captured.Bytes(), status)
		} else {
			err = h.idempotency.MarkDone(ctx, key, captured.Bytes(), status)
		}
		if err != nil {
			h.logger.WithError(err).WithField("idempotency_key", key).Warn("failed to store idempotent response")
		}
	})
}

func (h *Handler) replayIdempotent(w http.ResponseWriter, key string, record domain.IdempotencyRecord, createErr error) {
	switch {
	case errors.Is(createErr, domain.ErrIdempotencyHashMismatch):
		writeJSON(w, http.StatusUnprocessableEntity, errorResponse{Error: "idempotency key is already used with a different request"})
	case errors.Is(createErr, domain.ErrIdempotencyKeyAlreadyExists):
		if record.Status != domain.IdempotencyStatusDone || record.HTTPStatus == 0 {
			writeJSON(w, http.StatusConflict, errorResponse{Error: idempotencyProcessingText})
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set(idempotentReplayedHeader, "true")
		w.WriteHeader(record.HTTPStatus)
		_, _ = w.Write(record.ResponseBody)
	default:
		h.logger.WithError(createErr).WithField("idempotency_key", key).Warn("failed to create idempotency record")
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "failed to initialize idempotent request"})
	}
}

func requestHash(r *http.Request, body []byte) string {
	sum := sha256.New()
	sum.Write([]byte(r.Method))
	sum.Write([]byte{0})
	sum.Write([]byte(r.URL.Path))
	sum.Write([]byte{0})
	sum.Write(body)
	return hex.EncodeToString(sum.Sum(nil))
}

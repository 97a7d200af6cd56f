// Package httpapi serves the read-only certificate API.
package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"pravardha-anchor/internal/domain"
	"pravardha-anchor/internal/export"
	"pravardha-anchor/internal/metrics"
)

// BatchVerifier 批次实时验证（由 service.BatchService 实现）
type BatchVerifier interface {
	VerifyBatch(ctx context.Context, batchID string) (*domain.Verification, error)
}

// HealthCheck 单项依赖检查，返回 nil 表示健康
type HealthCheck func(ctx context.Context) error

// Handler 证书查询 API
type Handler struct {
	batches BatchVerifier
	checks  map[string]HealthCheck
	metrics *metrics.Metrics
	logger  *zap.Logger
}

// NewHandler 创建 Handler
func NewHandler(batches BatchVerifier, checks map[string]HealthCheck, m *metrics.Metrics, logger *zap.Logger) *Handler {
	return &Handler{
		batches: batches,
		checks:  checks,
		metrics: m,
		logger:  logger,
	}
}

// NewRouter 注册全部路由
func NewRouter(h *Handler) *mux.Router {
	r := mux.NewRouter()

	r.Handle("/health", h.metrics.WrapHandler("/health", http.HandlerFunc(h.Health))).Methods(http.MethodGet)
	r.Handle("/metrics", h.metrics.Handler()).Methods(http.MethodGet)

	// 不用 PathPrefix 子路由：子路由的方法不匹配会报 404 而不是 405
	r.Handle("/api/v1/batches/{id}/verification",
		h.metrics.WrapHandler("/api/v1/batches/{id}/verification", http.HandlerFunc(h.GetVerification))).Methods(http.MethodGet)
	r.Handle("/api/v1/batches/{id}/certificate.xlsx",
		h.metrics.WrapHandler("/api/v1/batches/{id}/certificate.xlsx", http.HandlerFunc(h.GetCertificate))).Methods(http.MethodGet)

	return r
}

// Health 健康检查端点
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	services := make(map[string]string, len(h.checks))
	for name, check := range h.checks {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		err := check(ctx)
		cancel()
		if err != nil {
			status = "unhealthy"
			services[name] = "unhealthy: " + err.Error()
			continue
		}
		services[name] = "healthy"
	}

	code := http.StatusOK
	if status != "healthy" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]any{
		"status":    status,
		"timestamp": time.Now().UTC(),
		"services":  services,
	})
}

// GetVerification GET /api/v1/batches/{id}/verification
func (h *Handler) GetVerification(w http.ResponseWriter, r *http.Request) {
	v, ok := h.verify(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, Ok(v))
}

// GetCertificate GET /api/v1/batches/{id}/certificate.xlsx
func (h *Handler) GetCertificate(w http.ResponseWriter, r *http.Request) {
	v, ok := h.verify(w, r)
	if !ok {
		return
	}
	data, err := export.GenerateCertificate(v)
	if err != nil {
		h.logger.Error("Failed to generate certificate", zap.String("batch_id", v.Batch.ID), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, Fail("failed to generate certificate"))
		return
	}

	w.Header().Set("Content-Type", export.ContentType)
	w.Header().Set("Content-Disposition", "attachment; filename="+export.CertificateFilename(v.Batch.ID))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (h *Handler) verify(w http.ResponseWriter, r *http.Request) (*domain.Verification, bool) {
	batchID := mux.Vars(r)["id"]
	v, err := h.batches.VerifyBatch(r.Context(), batchID)
	switch {
	case err == nil:
		return v, true
	case domain.IsNotFound(err):
		writeJSON(w, http.StatusNotFound, Fail(err.Error()))
	default:
		h.logger.Error("Failed to verify batch", zap.String("batch_id", batchID), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, Fail("failed to verify batch"))
	}
	return nil, false
}

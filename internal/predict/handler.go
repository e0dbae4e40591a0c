package predict

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/terrapredict/terrapredict/internal/jobs"
	apperrors "github.com/terrapredict/terrapredict/internal/pkg/errors"
	"github.com/terrapredict/terrapredict/internal/pkg/logger"
)

const (
	maxBodyBytes    = 1 << 20
	defaultJobLimit = 50
	maxJobLimit     = 1000
)

// SuccessMessage is returned by POST /predict when the command exits 0.
const SuccessMessage = "Successfully completed prediction"

// Handler provides HTTP handlers for prediction.
type Handler struct {
	svc           *Service
	health        *HealthChecker
	livenessDelay time.Duration
	log           *logger.Logger
}

// NewHandler creates a new prediction handler.
func NewHandler(svc *Service, health *HealthChecker, livenessDelay time.Duration, log *logger.Logger) *Handler {
	if log == nil {
		log = logger.Default()
	}
	return &Handler{
		svc:           svc,
		health:        health,
		livenessDelay: livenessDelay,
		log:           log,
	}
}

// RegisterRoutes registers prediction routes.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /{$}", h.handleLiveness)
	mux.HandleFunc("GET /health", h.handleHealth)
	mux.HandleFunc("POST /predict", h.handlePredict)
	mux.HandleFunc("GET /predict/jobs", h.handleListJobs)
	mux.HandleFunc("GET /predict/jobs/{id}", h.handleGetJob)
}

// PredictResponse is the success body of POST /predict.
type PredictResponse struct {
	Message string `json:"message"`
	JobID   string `json:"job_id,omitempty"`
}

func (h *Handler) handlePredict(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req Request
	if err := decodeRequest(http.MaxBytesReader(w, r.Body, maxBodyBytes), &req); err != nil {
		h.log.WithContext(ctx).Warn("Invalid request body", "error", err.Error())
		apperrors.WriteError(w, apperrors.InvalidRequestError("Invalid request body"))
		return
	}
	if err := req.Validate(); err != nil {
		h.log.WithContext(ctx).Warn("Invalid request body", "error", err.Error())
		apperrors.WriteError(w, apperrors.InvalidRequestError("Invalid request body"))
		return
	}

	job, err := h.svc.Predict(ctx, req)
	if err != nil {
		appErr := apperrors.PredictionError(err.Error(), err)
		if job != nil {
			appErr = appErr.WithDetail("job_id", job.ID)
		}
		apperrors.WriteError(w, appErr)
		return
	}

	writeJSON(w, http.StatusOK, PredictResponse{
		Message: SuccessMessage,
		JobID:   job.ID,
	})
}

// handleLiveness answers after the configured delay, or gives up when the
// client goes away.
func (h *Handler) handleLiveness(w http.ResponseWriter, r *http.Request) {
	if h.livenessDelay > 0 {
		timer := time.NewTimer(h.livenessDelay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-r.Context().Done():
			return
		}
	}
	writeJSON(w, http.StatusOK, "Hello World")
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := h.health.Check(r.Context())

	code := http.StatusOK
	if status.Status == "unhealthy" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, status)
}

func (h *Handler) handleListJobs(w http.ResponseWriter, r *http.Request) {
	limit := defaultJobLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			apperrors.WriteError(w, apperrors.ValidationError("limit must be a positive integer"))
			return
		}
		limit = min(n, maxJobLimit)
	}

	list, err := h.svc.Jobs(r.Context(), limit)
	if err != nil {
		apperrors.WriteError(w, apperrors.InternalError("failed to list jobs", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": list, "count": len(list)})
}

func (h *Handler) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := h.svc.Job(r.Context(), r.PathValue("id"))
	if errors.Is(err, jobs.ErrNotFound) {
		apperrors.WriteError(w, apperrors.NotFoundError("job"))
		return
	}
	if err != nil {
		apperrors.WriteError(w, apperrors.InternalError("failed to load job", err))
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// decodeRequest decodes exactly one JSON object with no unknown fields and
// nothing but whitespace after it.
func decodeRequest(body io.Reader, req *Request) error {
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(req); err != nil {
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return errors.New("unexpected data after request body")
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

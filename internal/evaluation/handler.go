package evaluation

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/terrapredict/terrapredict/internal/blob"
	"github.com/terrapredict/terrapredict/internal/classes"
	apperrors "github.com/terrapredict/terrapredict/internal/pkg/errors"
	"github.com/terrapredict/terrapredict/internal/pkg/logger"
	"github.com/terrapredict/terrapredict/internal/pkg/security"
)

// Handler provides HTTP handlers for evaluation.
type Handler struct {
	evaluator *Evaluator
	opener    *blob.Opener
	classes   *classes.Config
	log       *logger.Logger
}

// NewHandler creates a new evaluation handler. defaultClasses is used when
// a request carries no class config and may be nil.
func NewHandler(e *Evaluator, opener *blob.Opener, defaultClasses *classes.Config, log *logger.Logger) *Handler {
	if log == nil {
		log = logger.Default()
	}
	return &Handler{evaluator: e, opener: opener, classes: defaultClasses, log: log}
}

// RegisterRoutes registers evaluation routes.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/evaluation/raster", h.handleRaster)
	mux.HandleFunc("POST /v1/evaluation/vector", h.handleVector)
}

// RasterRequest asks for a scene-level raster evaluation.
type RasterRequest struct {
	ClassConfig *classes.Config `json:"class_config,omitempty"`
	Scenes      []Scene         `json:"scenes"`
	OutputURI   string          `json:"output_uri,omitempty"`
}

// VectorRequest asks for a polygon evaluation.
type VectorRequest struct {
	ClassConfig *classes.Config `json:"class_config,omitempty"`
	GroundTruth string          `json:"ground_truth"`
	Predictions []string        `json:"predictions"`
	Outputs     []VectorOutput  `json:"outputs"`
	OutputURI   string          `json:"output_uri,omitempty"`
}

// Validate checks the request shape.
func (r *RasterRequest) Validate() error {
	if len(r.Scenes) == 0 {
		return &security.ValidationError{Field: "scenes", Constraint: "at least one scene is required"}
	}
	for i, s := range r.Scenes {
		if err := security.ValidateRequired(fmt.Sprintf("scenes[%d].id", i), s.ID); err != nil {
			return err
		}
		if err := security.ValidateLocation(fmt.Sprintf("scenes[%d].ground_truth", i), s.GroundTruth); err != nil {
			return err
		}
		if err := security.ValidateLocation(fmt.Sprintf("scenes[%d].prediction", i), s.Prediction); err != nil {
			return err
		}
	}
	if r.OutputURI != "" {
		return security.ValidateLocation("output_uri", r.OutputURI)
	}
	return nil
}

// Validate checks the request shape.
func (r *VectorRequest) Validate() error {
	if err := security.ValidateLocation("ground_truth", r.GroundTruth); err != nil {
		return err
	}
	if len(r.Predictions) == 0 {
		return &security.ValidationError{Field: "predictions", Constraint: "at least one prediction is required"}
	}
	for i, p := range r.Predictions {
		if err := security.ValidateLocation(fmt.Sprintf("predictions[%d]", i), p); err != nil {
			return err
		}
	}
	if len(r.Outputs) != len(r.Predictions) {
		return &security.ValidationError{Field: "outputs", Value: len(r.Outputs), Constraint: "one output per prediction file"}
	}
	if r.OutputURI != "" {
		return security.ValidateLocation("output_uri", r.OutputURI)
	}
	return nil
}

// resolveClasses picks the request's class config or the default, and
// makes sure it has a null class.
func (h *Handler) resolveClasses(reqCfg *classes.Config) (*classes.Config, error) {
	var cfg *classes.Config
	switch {
	case reqCfg != nil:
		cfg = reqCfg.Clone()
		if err := cfg.Update(); err != nil {
			return nil, err
		}
	case h.classes != nil:
		cfg = h.classes.Clone()
	default:
		return nil, fmt.Errorf("class_config is required")
	}
	cfg.EnsureNullClass()
	return cfg, nil
}

func (h *Handler) handleRaster(w http.ResponseWriter, r *http.Request) {
	var req RasterRequest
	if err := decodeBody(r.Body, &req); err != nil {
		apperrors.WriteError(w, apperrors.InvalidRequestError("Invalid request body"))
		return
	}
	if err := req.Validate(); err != nil {
		apperrors.WriteError(w, apperrors.ValidationError(err.Error()))
		return
	}
	cfg, err := h.resolveClasses(req.ClassConfig)
	if err != nil {
		apperrors.WriteError(w, apperrors.ValidationError(err.Error()))
		return
	}

	ctx := r.Context()
	report, err := h.evaluator.EvaluateScenes(ctx, cfg, req.Scenes)
	if err != nil {
		h.log.WithContext(ctx).WithError(err).Error("Raster evaluation failed")
		apperrors.WriteError(w, apperrors.EvaluationError(err.Error(), err))
		return
	}

	if req.OutputURI != "" {
		if err := report.Save(ctx, h.opener, req.OutputURI); err != nil {
			apperrors.WriteError(w, apperrors.EvaluationError("failed to save report", err))
			return
		}
	}

	writeJSON(w, report)
}

func (h *Handler) handleVector(w http.ResponseWriter, r *http.Request) {
	var req VectorRequest
	if err := decodeBody(r.Body, &req); err != nil {
		apperrors.WriteError(w, apperrors.InvalidRequestError("Invalid request body"))
		return
	}
	if err := req.Validate(); err != nil {
		apperrors.WriteError(w, apperrors.ValidationError(err.Error()))
		return
	}
	cfg, err := h.resolveClasses(req.ClassConfig)
	if err != nil {
		apperrors.WriteError(w, apperrors.ValidationError(err.Error()))
		return
	}

	ctx := r.Context()
	ev, err := h.evaluator.EvaluateVector(ctx, cfg, req.GroundTruth, req.Predictions, req.Outputs)
	if err != nil {
		h.log.WithContext(ctx).WithError(err).Error("Vector evaluation failed")
		apperrors.WriteError(w, apperrors.EvaluationError(err.Error(), err))
		return
	}

	if req.OutputURI != "" {
		if err := ev.Save(ctx, h.opener, req.OutputURI); err != nil {
			apperrors.WriteError(w, apperrors.EvaluationError("failed to save report", err))
			return
		}
	}

	writeJSON(w, ev)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

// decodeBody decodes a single JSON value and rejects anything after it.
func decodeBody(body io.Reader, v any) error {
	dec := json.NewDecoder(body)
	if err := dec.Decode(v); err != nil {
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return errors.New("unexpected data after request body")
	}
	return nil
}

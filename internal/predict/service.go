package predict

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/terrapredict/terrapredict/internal/bus"
	"github.com/terrapredict/terrapredict/internal/config"
	"github.com/terrapredict/terrapredict/internal/jobs"
	"github.com/terrapredict/terrapredict/internal/pkg/logger"
)

const eventSource = "predict"

// Service runs prediction jobs one at a time per call and records them.
type Service struct {
	cfg    config.PredictConfig
	runner Runner
	store  jobs.Store
	bus    bus.Bus
	log    *logger.Logger
}

// NewService creates a prediction service. store and b may be nil.
func NewService(cfg config.PredictConfig, runner Runner, store jobs.Store, b bus.Bus, log *logger.Logger) *Service {
	if log == nil {
		log = logger.Default()
	}
	if runner == nil {
		runner = &CommandRunner{
			Command:     cfg.Command,
			Args:        cfg.Args,
			StderrLimit: cfg.StderrLimit,
		}
	}
	return &Service{
		cfg:    cfg,
		runner: runner,
		store:  store,
		bus:    b,
		log:    log,
	}
}

// ModelPath returns the artifact path for a model ID.
func (s *Service) ModelPath(model string) string {
	return filepath.Join(s.cfg.StorageRoot, model+s.cfg.ModelExtension)
}

// Predict validates req, runs the prediction command and waits for it.
// The run is not tied to ctx cancellation; only the configured timeout
// bounds it. The returned job is non-nil whenever the command was started.
func (s *Service) Predict(ctx context.Context, req Request) (*jobs.Job, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	job := &jobs.Job{
		ID:        uuid.NewString(),
		Model:     req.Model,
		ModelPath: s.ModelPath(req.Model),
		LayerPath: req.LayerPath,
		Folder:    req.Folder,
		Status:    jobs.StatusRunning,
		StartedAt: time.Now(),
	}
	log := s.log.WithContext(ctx).WithJob(job.ID)

	s.save(ctx, log, job)
	s.publish(ctx, log, bus.TopicPredictionStarted, job)
	log.Info("Prediction started",
		"model", job.Model,
		"layer_path", job.LayerPath,
		"folder", job.Folder,
	)

	runCtx := context.WithoutCancel(ctx)
	if s.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(runCtx, s.cfg.Timeout)
		defer cancel()
	}

	res, err := s.runner.Run(runCtx, Invocation{
		ModelPath: job.ModelPath,
		LayerPath: job.LayerPath,
		Folder:    job.Folder,
	})

	job.FinishedAt = time.Now()
	job.Duration = job.FinishedAt.Sub(job.StartedAt)
	if res != nil {
		job.ExitCode = res.ExitCode
		job.Duration = res.Duration
	}

	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("prediction timed out after %s: %w", s.cfg.Timeout, err)
		}
		job.Status = jobs.StatusFailed
		job.Error = err.Error()

		args := []any{"exit_code", job.ExitCode, "duration", job.Duration}
		if res != nil && res.Stderr != "" {
			args = append(args, "stderr", res.Stderr)
		}
		log.WithError(err).Error("Prediction failed", args...)

		s.save(ctx, log, job)
		s.publish(ctx, log, bus.TopicPredictionFailed, job)
		return job, err
	}

	job.Status = jobs.StatusSucceeded
	log.Info("Prediction completed", "duration", job.Duration)

	s.save(ctx, log, job)
	s.publish(ctx, log, bus.TopicPredictionCompleted, job)
	return job, nil
}

// Job returns a recorded job.
func (s *Service) Job(ctx context.Context, id string) (*jobs.Job, error) {
	if s.store == nil {
		return nil, jobs.ErrNotFound
	}
	return s.store.Get(ctx, id)
}

// Jobs lists recorded jobs, newest first.
func (s *Service) Jobs(ctx context.Context, limit int) ([]*jobs.Job, error) {
	if s.store == nil {
		return []*jobs.Job{}, nil
	}
	return s.store.List(ctx, limit)
}

// History persistence never fails a prediction.
func (s *Service) save(ctx context.Context, log *logger.Logger, job *jobs.Job) {
	if s.store == nil {
		return
	}
	if err := s.store.Save(context.WithoutCancel(ctx), job); err != nil {
		log.Warn("Failed to record job", "error", err.Error())
	}
}

func (s *Service) publish(ctx context.Context, log *logger.Logger, topic string, job *jobs.Job) {
	if s.bus == nil {
		return
	}
	cp := *job
	event := bus.NewEvent(topic, eventSource, job.ID, &cp)
	if err := s.bus.Publish(context.WithoutCancel(ctx), topic, event); err != nil {
		log.Warn("Failed to publish prediction event", "topic", topic, "error", err.Error())
	}
}

// ABOUTME: GenerationJobOrchestrator owns the avatar image job lifecycle.
// ABOUTME: Fire-and-forget dispatch, fixed-interval polling, single terminal write.

package generation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/reklamaton/avatar-gateway/internal/imagegen"
	"github.com/reklamaton/avatar-gateway/internal/store"
)

// ErrJobExhausted is reported when the polling attempt budget runs out
// before the job reaches a terminal status.
var ErrJobExhausted = errors.New("job polling budget exhausted")

// JobStore defines what the orchestrator needs from storage
type JobStore interface {
	FinalizeAvatarImage(ctx context.Context, avatarID, status, imageRef string) (bool, error)
}

// JobClient defines what the orchestrator needs from the image service
type JobClient interface {
	Submit(ctx context.Context, prompt string) (string, error)
	Poll(ctx context.Context, jobID string) (*imagegen.Status, error)
}

// ArtifactStore defines what the orchestrator needs for artifact persistence
type ArtifactStore interface {
	Save(ctx context.Context, payload, name string) (string, error)
}

// Options configures the orchestrator's polling and dispatch behavior.
type Options struct {
	PollInterval  time.Duration // fixed interval between status polls
	PollAttempts  int           // attempt budget before the job counts as failed
	MaxConcurrent int64         // bound on simultaneously running jobs
}

// Orchestrator runs avatar image generation jobs in the background. Jobs are
// fire-and-forget: callers observe the outcome through the avatar's stored
// image status. A job runs to a terminal status even if the requester is gone.
type Orchestrator struct {
	store     JobStore
	jobs      JobClient
	artifacts ArtifactStore
	logger    *slog.Logger

	interval    time.Duration
	maxAttempts int
	sem         *semaphore.Weighted

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a generation orchestrator. Jobs dispatched through Launch run
// under the orchestrator's own lifecycle context, not the caller's.
func New(jobStore JobStore, jobs JobClient, artifacts ArtifactStore, opts Options, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	interval := opts.PollInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	attempts := opts.PollAttempts
	if attempts <= 0 {
		attempts = 10
	}
	workers := opts.MaxConcurrent
	if workers <= 0 {
		workers = 4
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		store:       jobStore,
		jobs:        jobs,
		artifacts:   artifacts,
		logger:      logger.With("component", "generation"),
		interval:    interval,
		maxAttempts: attempts,
		sem:         semaphore.NewWeighted(workers),
		ctx:         ctx,
		cancel:      cancel,
	}
}

// Launch schedules an image generation job for the avatar. It returns
// immediately; the job waits for a dispatch slot, runs to a terminal status,
// and finalizes the avatar exactly once.
func (o *Orchestrator) Launch(avatarID, prompt string) {
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()

		if err := o.sem.Acquire(o.ctx, 1); err != nil {
			o.logger.Warn("job dispatch aborted", "avatar_id", avatarID, "error", err)
			o.finalize(avatarID, store.ImageStatusFailed, "")
			return
		}
		defer o.sem.Release(1)

		o.runJob(avatarID, prompt)
	}()
}

// Close stops accepting progress on running jobs and waits for them to exit.
func (o *Orchestrator) Close() {
	o.cancel()
	o.wg.Wait()
}

// runJob drives one job from submission to a terminal avatar status.
// Every failure path ends in a failed finalization; a job can never leave
// the avatar pending once it has started.
func (o *Orchestrator) runJob(avatarID, prompt string) {
	logger := o.logger.With("avatar_id", avatarID)

	jobID, err := o.jobs.Submit(o.ctx, prompt)
	if err != nil {
		logger.Error("job submission failed", "error", err)
		o.finalize(avatarID, store.ImageStatusFailed, "")
		return
	}
	logger.Info("generation job started", "job_id", jobID)

	status, err := o.pollToTerminal(logger, jobID)
	if err != nil {
		logger.Warn("generation job failed", "job_id", jobID, "error", err)
		o.finalize(avatarID, store.ImageStatusFailed, "")
		return
	}

	if len(status.Artifacts) == 0 {
		logger.Warn("generation job returned no artifacts", "job_id", jobID)
		o.finalize(avatarID, store.ImageStatusFailed, "")
		return
	}

	ref, err := o.saveArtifacts(avatarID, status.Artifacts)
	if err != nil {
		logger.Error("storing artifacts failed", "job_id", jobID, "error", err)
		o.finalize(avatarID, store.ImageStatusFailed, "")
		return
	}

	o.finalize(avatarID, store.ImageStatusReady, ref)
	logger.Info("generation job completed", "job_id", jobID, "image_ref", ref)
}

// pollToTerminal polls the job at the configured interval until it reports
// done, reports an error, or the attempt budget is exhausted. Poll transport
// errors consume an attempt instead of aborting, mirroring the collaborator's
// bounded-retry contract.
func (o *Orchestrator) pollToTerminal(logger *slog.Logger, jobID string) (*imagegen.Status, error) {
	for attempt := 1; attempt <= o.maxAttempts; attempt++ {
		status, err := o.jobs.Poll(o.ctx, jobID)
		switch {
		case err != nil:
			logger.Warn("poll attempt failed",
				"job_id", jobID,
				"attempt", attempt,
				"error", err)
		case status.State == imagegen.StateDone:
			return status, nil
		case status.State == imagegen.StateError:
			return nil, fmt.Errorf("job reported error state")
		}

		if attempt == o.maxAttempts {
			break
		}
		select {
		case <-o.ctx.Done():
			return nil, o.ctx.Err()
		case <-time.After(o.interval):
		}
	}
	return nil, ErrJobExhausted
}

// saveArtifacts persists every artifact under a deterministic avatar-scoped
// name and returns the reference of the first one.
func (o *Orchestrator) saveArtifacts(avatarID string, artifacts []string) (string, error) {
	var first string
	for i, payload := range artifacts {
		name := fmt.Sprintf("avatar-%s-%d.png", avatarID, i+1)
		ref, err := o.artifacts.Save(o.ctx, payload, name)
		if err != nil {
			return "", fmt.Errorf("saving artifact %s: %w", name, err)
		}
		if first == "" {
			first = ref
		}
	}
	return first, nil
}

// finalize writes the terminal avatar status. The store applies it only while
// the avatar is still pending, so a late or duplicate completion never
// overwrites an existing terminal state.
func (o *Orchestrator) finalize(avatarID, status, imageRef string) {
	// Separate timeout context: finalization must proceed even when the
	// orchestrator is shutting down.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	applied, err := o.store.FinalizeAvatarImage(ctx, avatarID, status, imageRef)
	if err != nil {
		o.logger.Error("failed to finalize avatar image",
			"avatar_id", avatarID,
			"status", status,
			"error", err)
		return
	}
	if !applied {
		o.logger.Debug("avatar already terminal, finalization skipped",
			"avatar_id", avatarID,
			"attempted_status", status)
	}
}

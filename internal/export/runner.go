// Package export renders webset snapshots to downloadable artifacts in the
// background.
package export

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/sells-group/websets/internal/model"
)

// JobStore persists export jobs.
type JobStore interface {
	CreateExportJob(ctx context.Context, job *model.ExportJob) error
	UpdateExportJob(ctx context.Context, job *model.ExportJob) error
	GetExportJob(ctx context.Context, id string) (*model.ExportJob, error)
}

// Snapshots reads websets and their versions.
type Snapshots interface {
	GetWebset(ctx context.Context, id string) (*model.Webset, error)
	GetSnapshot(ctx context.Context, websetID string, version int) (*model.WebsetVersion, error)
}

// Request describes one export.
type Request struct {
	WebsetID    string             `json:"websetId"`
	Version     int                `json:"version,omitempty"` // 0 exports the current version
	Format      model.ExportFormat `json:"format"`
	FileName    string             `json:"fileName"`
	RequestedBy string             `json:"-"`
}

// Runner executes export jobs.
type Runner struct {
	jobs    JobStore
	data    Snapshots
	sink    Sink
	writers map[model.ExportFormat]ArtifactWriter
	slots   *semaphore.Weighted
	nowFunc func() time.Time

	baseCtx context.Context
	stop    context.CancelFunc
	wg      sync.WaitGroup
}

// Option configures a Runner.
type Option func(*Runner)

// WithConcurrency bounds how many exports render at once.
func WithConcurrency(n int) Option {
	return func(r *Runner) {
		if n > 0 {
			r.slots = semaphore.NewWeighted(int64(n))
		}
	}
}

// WithWriter registers or replaces the writer for a format.
func WithWriter(f model.ExportFormat, w ArtifactWriter) Option {
	return func(r *Runner) { r.writers[f] = w }
}

// WithClock overrides the time source (for tests).
func WithClock(now func() time.Time) Option {
	return func(r *Runner) { r.nowFunc = now }
}

// NewRunner creates a runner writing artifacts to sink.
func NewRunner(jobs JobStore, data Snapshots, sink Sink, opts ...Option) *Runner {
	ctx, cancel := context.WithCancel(context.Background())
	r := &Runner{
		jobs:    jobs,
		data:    data,
		sink:    sink,
		writers: Writers(),
		slots:   semaphore.NewWeighted(2),
		nowFunc: time.Now,
		baseCtx: ctx,
		stop:    cancel,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// StartExport validates req, persists a pending job and renders it in the
// background.
func (r *Runner) StartExport(ctx context.Context, req Request) (*model.ExportJob, error) {
	w, ok := r.writers[req.Format]
	if !ok {
		return nil, model.Invalid("format", "unsupported format %q", req.Format)
	}
	name := strings.TrimSpace(req.FileName)
	if err := validFileName(name); err != nil {
		return nil, err
	}
	if req.Version < 0 {
		return nil, model.Invalid("version", "must not be negative")
	}
	if _, err := r.data.GetWebset(ctx, req.WebsetID); err != nil {
		return nil, eris.Wrapf(err, "export: load webset %s", req.WebsetID)
	}

	now := r.nowFunc().UTC()
	job := &model.ExportJob{
		ID:          uuid.New().String(),
		WebsetID:    req.WebsetID,
		Version:     req.Version,
		Format:      req.Format,
		FileName:    name,
		Status:      model.JobStatusPending,
		RequestedBy: req.RequestedBy,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := r.jobs.CreateExportJob(ctx, job); err != nil {
		return nil, eris.Wrap(err, "export: persist job")
	}

	out := *job
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.execute(r.baseCtx, job, w)
	}()

	zap.L().Info("export: job submitted",
		zap.String("job_id", job.ID),
		zap.String("webset_id", job.WebsetID),
		zap.String("format", string(job.Format)),
	)
	return &out, nil
}

// GetStatus returns an export job.
func (r *Runner) GetStatus(ctx context.Context, id string) (*model.ExportJob, error) {
	job, err := r.jobs.GetExportJob(ctx, id)
	if err != nil {
		return nil, eris.Wrapf(err, "export: get job %s", id)
	}
	return job, nil
}

// Wait blocks until every started export has finished.
func (r *Runner) Wait() {
	r.wg.Wait()
}

// Shutdown cancels running exports and waits for them until ctx is done.
func (r *Runner) Shutdown(ctx context.Context) error {
	r.stop()
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return eris.Wrap(ctx.Err(), "export: shutdown")
	}
}

func (r *Runner) execute(ctx context.Context, job *model.ExportJob, w ArtifactWriter) {
	persist := context.WithoutCancel(ctx)
	log := zap.L().With(zap.String("job_id", job.ID), zap.String("webset_id", job.WebsetID))

	if err := r.slots.Acquire(ctx, 1); err != nil {
		r.finish(persist, job, "", eris.Wrap(err, "export: wait for slot"))
		return
	}
	defer r.slots.Release(1)

	job.Status = model.JobStatusRunning
	job.UpdatedAt = r.nowFunc().UTC()
	if err := r.jobs.UpdateExportJob(persist, job); err != nil {
		log.Error("export: persist job", zap.Error(err))
	}

	url, err := r.render(ctx, job, w)
	r.finish(persist, job, url, err)
	if err != nil {
		log.Warn("export: job failed", zap.Error(err))
		return
	}
	log.Info("export: job completed", zap.String("url", url))
}

func (r *Runner) render(ctx context.Context, job *model.ExportJob, w ArtifactWriter) (string, error) {
	v, err := r.data.GetSnapshot(ctx, job.WebsetID, job.Version)
	if err != nil {
		return "", eris.Wrap(err, "export: load snapshot")
	}
	job.Version = v.Version

	var buf bytes.Buffer
	if err := w.Write(&buf, TableFrom(v.Snapshot)); err != nil {
		return "", err
	}
	return r.sink.Put(ctx, job.ID, job.FileName, &buf)
}

func (r *Runner) finish(ctx context.Context, job *model.ExportJob, url string, cause error) {
	now := r.nowFunc().UTC()
	job.UpdatedAt = now
	job.CompletedAt = &now
	if cause != nil {
		job.Status = model.JobStatusFailed
		job.Error = cause.Error()
	} else {
		job.Status = model.JobStatusCompleted
		job.ExportURL = url
	}
	if err := r.jobs.UpdateExportJob(ctx, job); err != nil {
		zap.L().Error("export: persist job", zap.String("job_id", job.ID), zap.Error(err))
	}
}

func validFileName(name string) error {
	switch {
	case name == "":
		return model.Invalid("fileName", "is required")
	case name == "." || name == "..":
		return model.Invalid("fileName", "%q is not a file name", name)
	case strings.ContainsAny(name, `/\`):
		return model.Invalid("fileName", "must not contain path separators")
	}
	return nil
}

// Package enrich runs enrichment jobs: for each requested row it gathers
// sources from a search provider, asks an LLM provider for the cell value and
// writes the result into the webset as a new version.
package enrich

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/sells-group/websets/internal/dataset"
	"github.com/sells-group/websets/internal/model"
	"github.com/sells-group/websets/internal/provider"
	"github.com/sells-group/websets/internal/resilience"
	"github.com/sells-group/websets/internal/store"
)

// Endpoint is the rate limit endpoint charged once per processed row.
const Endpoint = "enrich"

// Row failure classes recorded on jobs.
const (
	ClassPermanent     = "permanent"
	ClassOrchestration = "orchestration"
)

// ErrShuttingDown is returned by Submit after Shutdown has been called.
var ErrShuttingDown = errors.New("enrich: orchestrator is shutting down")

// Gateway resolves and invokes providers.
type Gateway interface {
	Select(kind model.ProviderKind, id string) (model.Provider, error)
	Invoke(ctx context.Context, p model.Provider, req provider.Request) (*provider.Response, error)
}

// Dataset is the webset access the orchestrator needs.
type Dataset interface {
	GetWebset(ctx context.Context, id string) (*model.Webset, error)
	GetSnapshot(ctx context.Context, websetID string, version int) (*model.WebsetVersion, error)
	WriteCell(ctx context.Context, w dataset.CellWrite) (*model.WebsetVersion, error)
}

// JobStore persists enrichment jobs.
type JobStore interface {
	CreateEnrichmentJob(ctx context.Context, job *model.EnrichmentJob) error
	UpdateEnrichmentJob(ctx context.Context, job *model.EnrichmentJob) error
	GetEnrichmentJob(ctx context.Context, id string) (*model.EnrichmentJob, error)
	ListEnrichmentJobs(ctx context.Context, filter store.JobFilter) ([]model.EnrichmentJob, error)
}

// Permits grants per-row admission on the enrich endpoint.
type Permits interface {
	TryAcquire(ctx context.Context, scope model.RateLimitScope, userID, endpoint string) (bool, error)
}

// Config tunes job execution.
type Config struct {
	// Workers is the number of rows processed concurrently per job.
	Workers int
	// MaxInFlightPerProvider bounds concurrent calls to one provider across jobs.
	MaxInFlightPerProvider int
	// MaxRequeues is how many times a rate limited row is put back on the
	// queue before it fails.
	MaxRequeues int
	// RequeueBackoff shapes the delay before a requeued row is retried.
	RequeueBackoff resilience.RetryConfig
	// MaxSearchResults is the number of sources requested per row.
	MaxSearchResults int
	// MaxTokens caps the LLM answer.
	MaxTokens int64
}

// DefaultConfig returns the execution defaults.
func DefaultConfig() Config {
	return Config{
		Workers:                4,
		MaxInFlightPerProvider: 2,
		MaxRequeues:            5,
		RequeueBackoff: resilience.RetryConfig{
			InitialBackoff: time.Second,
			MaxBackoff:     30 * time.Second,
			Multiplier:     2.0,
			JitterFraction: 0.25,
		},
		MaxSearchResults: 5,
		MaxTokens:        512,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Workers <= 0 {
		c.Workers = d.Workers
	}
	if c.MaxInFlightPerProvider <= 0 {
		c.MaxInFlightPerProvider = d.MaxInFlightPerProvider
	}
	if c.MaxRequeues < 0 {
		c.MaxRequeues = 0
	}
	if c.RequeueBackoff.InitialBackoff <= 0 {
		c.RequeueBackoff = d.RequeueBackoff
	}
	if c.MaxSearchResults <= 0 {
		c.MaxSearchResults = d.MaxSearchResults
	}
	if c.MaxTokens <= 0 {
		c.MaxTokens = d.MaxTokens
	}
	return c
}

// Request asks for one column to be filled for a set of rows.
type Request struct {
	WebsetID         string `json:"websetId"`
	Column           string `json:"column"`
	Rows             []int  `json:"rows"`
	Prompt           string `json:"prompt,omitempty"`
	LLMProviderID    string `json:"llmProviderId,omitempty"`
	SearchProviderID string `json:"searchProviderId,omitempty"`
	UserID           string `json:"userId,omitempty"`
}

// Orchestrator accepts enrichment jobs and executes them in the background.
type Orchestrator struct {
	cfg     Config
	jobs    JobStore
	data    Dataset
	gateway Gateway
	permits Permits
	nowFunc func() time.Time

	baseCtx context.Context
	stop    context.CancelFunc
	wg      sync.WaitGroup

	mu     sync.Mutex
	runs   map[string]*run
	closed bool

	semMu sync.Mutex
	sems  map[string]*semaphore.Weighted
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithConfig overrides the execution config.
func WithConfig(cfg Config) Option {
	return func(o *Orchestrator) { o.cfg = cfg.withDefaults() }
}

// WithPermits sets the per-row rate limiter. Without it rows are never
// throttled locally.
func WithPermits(p Permits) Option {
	return func(o *Orchestrator) { o.permits = p }
}

// WithClock overrides the time source (for tests).
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.nowFunc = now }
}

// New creates an orchestrator.
func New(jobs JobStore, data Dataset, gateway Gateway, opts ...Option) *Orchestrator {
	ctx, cancel := context.WithCancel(context.Background())
	o := &Orchestrator{
		cfg:     DefaultConfig(),
		jobs:    jobs,
		data:    data,
		gateway: gateway,
		nowFunc: time.Now,
		baseCtx: ctx,
		stop:    cancel,
		runs:    make(map[string]*run),
		sems:    make(map[string]*semaphore.Weighted),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Submit validates req, persists a job and starts it. A job whose providers
// cannot be resolved is persisted as failed and returned without error.
func (o *Orchestrator) Submit(ctx context.Context, req Request) (*model.EnrichmentJob, error) {
	ws, err := o.data.GetWebset(ctx, req.WebsetID)
	if err != nil {
		return nil, eris.Wrapf(err, "enrich: load webset %s", req.WebsetID)
	}
	col, err := validate(ws, req)
	if err != nil {
		return nil, err
	}

	now := o.nowFunc().UTC()
	job := &model.EnrichmentJob{
		ID:               uuid.New().String(),
		WebsetID:         ws.ID,
		ColumnID:         col.ID,
		Rows:             append([]int(nil), req.Rows...),
		Prompt:           req.Prompt,
		Status:           model.JobStatusPending,
		TotalRows:        len(req.Rows),
		LLMProviderID:    req.LLMProviderID,
		SearchProviderID: req.SearchProviderID,
		CreatedBy:        req.UserID,
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	llm, search, perr := o.resolveProviders(req)
	if perr != nil {
		failAll(job, perr.Error(), now)
		if err := o.jobs.CreateEnrichmentJob(ctx, job); err != nil {
			return nil, eris.Wrap(err, "enrich: persist failed job")
		}
		zap.L().Warn("enrich: job failed at submit",
			zap.String("job_id", job.ID),
			zap.String("webset_id", job.WebsetID),
			zap.Error(perr),
		)
		return cloneJob(job), nil
	}
	job.LLMProviderID = llm.ID
	if search != nil {
		job.SearchProviderID = search.ID
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return nil, ErrShuttingDown
	}
	if err := o.jobs.CreateEnrichmentJob(ctx, job); err != nil {
		return nil, eris.Wrap(err, "enrich: persist job")
	}

	out := cloneJob(job)
	r := newRun(job, col, llm, search, req.UserID)
	o.runs[job.ID] = r
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.execute(o.baseCtx, r)
	}()

	zap.L().Info("enrich: job submitted",
		zap.String("job_id", out.ID),
		zap.String("webset_id", out.WebsetID),
		zap.String("column", col.Name),
		zap.Int("rows", out.TotalRows),
		zap.String("llm_provider", llm.ID),
	)
	return out, nil
}

// GetStatus returns the current state of a job.
func (o *Orchestrator) GetStatus(ctx context.Context, id string) (*model.EnrichmentJob, error) {
	if r := o.active(id); r != nil {
		return r.snapshot(), nil
	}
	job, err := o.jobs.GetEnrichmentJob(ctx, id)
	if err != nil {
		return nil, eris.Wrapf(err, "enrich: get job %s", id)
	}
	return job, nil
}

// ListJobs returns the jobs of a webset, newest first.
func (o *Orchestrator) ListJobs(ctx context.Context, websetID string) ([]model.EnrichmentJob, error) {
	jobs, err := o.jobs.ListEnrichmentJobs(ctx, store.JobFilter{WebsetID: websetID})
	if err != nil {
		return nil, eris.Wrapf(err, "enrich: list jobs for %s", websetID)
	}
	for i := range jobs {
		if r := o.active(jobs[i].ID); r != nil {
			jobs[i] = *r.snapshot()
		}
	}
	return jobs, nil
}

// Cancel stops dispatch of rows that have not started. Rows in flight finish
// and their writes are kept. Canceling a terminal job is a no-op.
func (o *Orchestrator) Cancel(ctx context.Context, id string) (*model.EnrichmentJob, error) {
	if r := o.active(id); r != nil {
		if err := r.requestCancel(o.persistCtx(), o.jobs, o.nowFunc()); err != nil {
			return nil, err
		}
		zap.L().Info("enrich: cancel requested", zap.String("job_id", id))
		return r.snapshot(), nil
	}

	job, err := o.jobs.GetEnrichmentJob(ctx, id)
	if err != nil {
		return nil, eris.Wrapf(err, "enrich: get job %s", id)
	}
	if job.Status.Terminal() {
		return job, nil
	}

	// No runner owns this job, e.g. it was left behind by a previous process.
	now := o.nowFunc().UTC()
	job.CancelRequested = true
	job.Status = model.JobStatusCanceled
	job.UpdatedAt = now
	job.CompletedAt = &now
	if err := o.jobs.UpdateEnrichmentJob(ctx, job); err != nil {
		return nil, eris.Wrapf(err, "enrich: cancel job %s", id)
	}
	return job, nil
}

// Shutdown stops accepting jobs, cancels dispatch and waits for in-flight
// rows until ctx is done.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	o.closed = true
	o.mu.Unlock()
	o.stop()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return eris.Wrap(ctx.Err(), "enrich: shutdown")
	}
}

// Wait blocks until every running job has finished.
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

func (o *Orchestrator) active(id string) *run {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.runs[id]
}

func (o *Orchestrator) finished(id string) {
	o.mu.Lock()
	delete(o.runs, id)
	o.mu.Unlock()
}

// persistCtx is used for job record writes, which must land even while the
// run itself is being canceled.
func (o *Orchestrator) persistCtx() context.Context {
	return context.WithoutCancel(o.baseCtx)
}

func (o *Orchestrator) semaphore(providerID string) *semaphore.Weighted {
	o.semMu.Lock()
	defer o.semMu.Unlock()
	s, ok := o.sems[providerID]
	if !ok {
		s = semaphore.NewWeighted(int64(o.cfg.MaxInFlightPerProvider))
		o.sems[providerID] = s
	}
	return s
}

func (o *Orchestrator) resolveProviders(req Request) (model.Provider, *model.Provider, error) {
	llm, err := o.gateway.Select(model.ProviderLLM, req.LLMProviderID)
	if err != nil {
		return model.Provider{}, nil, eris.Wrap(err, "enrich: resolve llm provider")
	}

	search, err := o.gateway.Select(model.ProviderSearch, req.SearchProviderID)
	switch {
	case err == nil:
		return llm, &search, nil
	case req.SearchProviderID == "" && errors.Is(err, provider.ErrNoProvider):
		return llm, nil, nil
	default:
		return model.Provider{}, nil, eris.Wrap(err, "enrich: resolve search provider")
	}
}

func validate(ws *model.Webset, req Request) (model.Column, error) {
	if ws.Status == model.WebsetStatusArchived {
		return model.Column{}, model.Invalid("webset_id", "webset %s is archived", ws.ID)
	}
	col, ok := ws.Column(req.Column)
	if !ok {
		return model.Column{}, model.Invalid("column", "unknown column %q", req.Column)
	}
	if len(req.Rows) == 0 {
		return model.Column{}, model.Invalid("rows", "at least one row is required")
	}
	seen := make(map[int]struct{}, len(req.Rows))
	for _, row := range req.Rows {
		if row < 0 || row >= ws.RowCount {
			return model.Column{}, model.Invalid("rows", "%d is outside [0, %d)", row, ws.RowCount)
		}
		if _, dup := seen[row]; dup {
			return model.Column{}, model.Invalid("rows", "row %d is listed twice", row)
		}
		seen[row] = struct{}{}
	}
	return col, nil
}

// failAll terminates job with every row recorded as an orchestration failure.
func failAll(job *model.EnrichmentJob, reason string, now time.Time) {
	for _, row := range job.Rows {
		job.RecordRow(&model.RowFailure{Row: row, Class: ClassOrchestration, Message: reason})
	}
	job.Status = model.JobStatusFailed
	job.Error = reason
	job.Progress = 100
	job.UpdatedAt = now
	job.CompletedAt = &now
}

func cloneJob(j *model.EnrichmentJob) *model.EnrichmentJob {
	c := *j
	c.Rows = append([]int(nil), j.Rows...)
	c.Failures = append([]model.RowFailure(nil), j.Failures...)
	if j.StartedAt != nil {
		t := *j.StartedAt
		c.StartedAt = &t
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}

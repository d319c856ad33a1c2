package enrich

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/websets/internal/dataset"
	"github.com/sells-group/websets/internal/model"
	"github.com/sells-group/websets/internal/provider"
	"github.com/sells-group/websets/internal/resilience"
)

var errThrottled = errors.New("enrich: rate limit permit denied")

// orchestrationError marks a failure that stops the whole job.
type orchestrationError struct{ err error }

func (e *orchestrationError) Error() string { return e.err.Error() }
func (e *orchestrationError) Unwrap() error { return e.err }

func isOrchestration(err error) bool {
	var oe *orchestrationError
	return errors.As(err, &oe)
}

// requeueDelay is the backoff for a requeued row, stretched to the
// provider's Retry-After hint when the hint is longer.
func requeueDelay(requeues int, cfg resilience.RetryConfig, err error) time.Duration {
	delay := resilience.Backoff(requeues, cfg)
	if hint := provider.RetryAfter(err); hint > delay {
		return hint
	}
	return delay
}

func isRateLimited(err error) bool {
	return errors.Is(err, errThrottled) || provider.ClassOf(err) == provider.RateLimited
}

type task struct {
	row      int
	requeues int
}

// run is the in-memory state of one executing job. The job record is only
// mutated and persisted under mu.
type run struct {
	column model.Column
	llm    model.Provider
	search *model.Provider
	userID string

	mu              sync.Mutex
	job             *model.EnrichmentJob
	done            map[int]bool
	cancelRequested bool
	failure         error

	halted   chan struct{}
	haltOnce sync.Once
}

func newRun(job *model.EnrichmentJob, col model.Column, llm model.Provider, search *model.Provider, userID string) *run {
	return &run{
		column: col,
		llm:    llm,
		search: search,
		userID: userID,
		job:    job,
		done:   make(map[int]bool, len(job.Rows)),
		halted: make(chan struct{}),
	}
}

// halt wakes rows waiting to be requeued so they are skipped promptly.
func (r *run) halt() {
	r.haltOnce.Do(func() { close(r.halted) })
}

func (r *run) snapshot() *model.EnrichmentJob {
	r.mu.Lock()
	defer r.mu.Unlock()
	return cloneJob(r.job)
}

func (r *run) stopped() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cancelRequested || r.failure != nil
}

func (r *run) fail(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failure == nil {
		r.failure = err
	}
	r.halt()
}

func (r *run) requestCancel(ctx context.Context, jobs JobStore, now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.job.Status.Terminal() || r.cancelRequested {
		return nil
	}
	r.cancelRequested = true
	r.halt()
	r.job.CancelRequested = true
	r.job.UpdatedAt = now.UTC()
	return eris.Wrapf(jobs.UpdateEnrichmentJob(ctx, r.job), "enrich: persist cancel %s", r.job.ID)
}

// markRunning moves a pending job to running on its first dispatch.
func (r *run) markRunning(ctx context.Context, jobs JobStore, now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.job.Status != model.JobStatusPending {
		return
	}
	now = now.UTC()
	r.job.Status = model.JobStatusRunning
	r.job.StartedAt = &now
	r.job.UpdatedAt = now
	r.persist(ctx, jobs)
}

// record completes one row and persists the job.
func (r *run) record(ctx context.Context, jobs JobStore, now time.Time, row int, failure *model.RowFailure, cost float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.job.CostUSD += cost
	if r.done[row] {
		return
	}
	r.done[row] = true
	r.job.RecordRow(failure)
	r.job.UpdatedAt = now.UTC()
	r.persist(ctx, jobs)
}

func (r *run) addCost(cost float64) {
	if cost == 0 {
		return
	}
	r.mu.Lock()
	r.job.CostUSD += cost
	r.mu.Unlock()
}

func (r *run) persist(ctx context.Context, jobs JobStore) {
	if err := jobs.UpdateEnrichmentJob(ctx, r.job); err != nil {
		zap.L().Error("enrich: persist job",
			zap.String("job_id", r.job.ID),
			zap.Error(err),
		)
	}
}

// execute drains the job's row queue with a bounded set of workers.
// Rate limited rows are put back on the queue after a backoff delay.
func (o *Orchestrator) execute(parent context.Context, r *run) {
	defer o.finished(r.job.ID)

	rows := r.job.Rows
	queue := make(chan task, len(rows))
	var pending sync.WaitGroup
	pending.Add(len(rows))
	for _, row := range rows {
		queue <- task{row: row}
	}
	go func() {
		pending.Wait()
		close(queue)
	}()

	g, gctx := errgroup.WithContext(parent)
	g.SetLimit(o.cfg.Workers)

	requeue := func(t task, delay time.Duration) {
		go func() {
			timer := time.NewTimer(delay)
			defer timer.Stop()
			select {
			case <-timer.C:
			case <-gctx.Done():
			case <-r.halted:
			}
			queue <- t
		}()
	}

	for t := range queue {
		g.Go(func() error {
			requeued, err := o.handle(gctx, r, t, requeue)
			if !requeued {
				pending.Done()
			}
			return err
		})
	}
	if err := g.Wait(); err != nil {
		r.fail(err)
	}

	o.complete(parent, r)
}

// handle processes one dispatch of a row. It reports whether the row was
// put back on the queue.
func (o *Orchestrator) handle(ctx context.Context, r *run, t task, requeue func(task, time.Duration)) (bool, error) {
	if r.stopped() || ctx.Err() != nil {
		return false, nil
	}
	pctx := o.persistCtx()
	r.markRunning(pctx, o.jobs, o.nowFunc())

	cost, err := o.processRow(ctx, r, t.row)
	log := zap.L().With(
		zap.String("job_id", r.job.ID),
		zap.Int("row", t.row),
	)

	switch {
	case err == nil:
		r.record(pctx, o.jobs, o.nowFunc(), t.row, nil, cost)
	case ctx.Err() != nil:
		// Aborted by shutdown or a failing sibling; complete accounts for it.
		r.addCost(cost)
	case isOrchestration(err):
		r.addCost(cost)
		log.Error("enrich: job failed", zap.Error(err))
		return false, err
	case isRateLimited(err) && t.requeues < o.cfg.MaxRequeues:
		r.addCost(cost)
		delay := requeueDelay(t.requeues, o.cfg.RequeueBackoff, err)
		log.Info("enrich: row rate limited, requeueing",
			zap.Int("requeues", t.requeues+1),
			zap.Duration("delay", delay),
		)
		requeue(task{row: t.row, requeues: t.requeues + 1}, delay)
		return true, nil
	default:
		msg := err.Error()
		if isRateLimited(err) {
			msg = eris.Wrapf(err, "rate limited after %d requeues", t.requeues).Error()
		}
		log.Warn("enrich: row failed", zap.Error(err))
		r.record(pctx, o.jobs, o.nowFunc(), t.row, &model.RowFailure{
			Row:     t.row,
			Class:   ClassPermanent,
			Message: msg,
		}, cost)
	}
	return false, nil
}

// complete settles the final status of a job and persists it.
func (o *Orchestrator) complete(parent context.Context, r *run) {
	r.mu.Lock()
	defer r.mu.Unlock()

	job := r.job
	now := o.nowFunc().UTC()
	switch {
	case r.failure != nil:
		for _, row := range job.Rows {
			if r.done[row] {
				continue
			}
			r.done[row] = true
			job.RecordRow(&model.RowFailure{Row: row, Class: ClassOrchestration, Message: r.failure.Error()})
		}
		job.Status = model.JobStatusFailed
		job.Error = r.failure.Error()
	case job.CompletedRows == job.TotalRows:
		job.Status = model.JobStatusCompleted
	default:
		job.Status = model.JobStatusCanceled
		if !r.cancelRequested && parent.Err() != nil {
			job.Error = "enrich: orchestrator shut down"
		}
	}
	job.UpdatedAt = now
	job.CompletedAt = &now
	r.persist(o.persistCtx(), o.jobs)

	zap.L().Info("enrich: job finished",
		zap.String("job_id", job.ID),
		zap.String("status", string(job.Status)),
		zap.Int("completed_rows", job.CompletedRows),
		zap.Int("failures", len(job.Failures)),
		zap.Float64("cost_usd", job.CostUSD),
	)
}

// processRow enriches one row and returns the provider cost it incurred.
func (o *Orchestrator) processRow(ctx context.Context, r *run, row int) (float64, error) {
	if err := o.admit(ctx, r.userID); err != nil {
		return 0, err
	}

	current, err := o.data.GetSnapshot(ctx, r.job.WebsetID, 0)
	if err != nil {
		return 0, &orchestrationError{eris.Wrap(err, "enrich: load snapshot")}
	}
	facts := rowFacts(current.Snapshot, row, r.column.ID)

	var (
		cost    float64
		sources []provider.Source
	)
	if r.search != nil {
		resp, err := o.call(ctx, *r.search, provider.Request{
			Kind:       model.ProviderSearch,
			Prompt:     searchQuery(r.column, facts, r.job.Prompt),
			MaxResults: o.cfg.MaxSearchResults,
		})
		if err != nil {
			return cost, err
		}
		cost += resp.CostUSD
		sources = resp.Sources
	}

	resp, err := o.call(ctx, r.llm, provider.Request{
		Kind:      model.ProviderLLM,
		System:    systemPrompt,
		Prompt:    synthesisPrompt(r.column, facts, sources, r.job.Prompt),
		MaxTokens: o.cfg.MaxTokens,
	})
	if err != nil {
		return cost, err
	}
	cost += resp.CostUSD
	sources = append(sources, resp.Sources...)

	ans := parseAnswer(resp.Content)
	if ans.Value == nil {
		return cost, provider.Permanentf(r.llm.ID, "answer contained no value")
	}

	meta := map[string]any{
		"job_id":       r.job.ID,
		"llm_provider": r.llm.ID,
	}
	if r.search != nil {
		meta["search_provider"] = r.search.ID
	}
	_, err = o.data.WriteCell(ctx, dataset.CellWrite{
		WebsetID:          r.job.WebsetID,
		Row:               row,
		Column:            r.column.ID,
		Value:             ans.Value,
		Confidence:        ans.Confidence,
		Metadata:          meta,
		Citations:         citations(sources),
		ChangedBy:         r.userID,
		ChangeDescription: "enrichment job " + r.job.ID,
	})
	switch {
	case err == nil:
		return cost, nil
	case model.IsValidation(err):
		return cost, err
	default:
		return cost, &orchestrationError{eris.Wrapf(err, "enrich: write row %d", row)}
	}
}

// admit takes one permit on the enrich endpoint: the user's first when the
// job has one, then the global one.
func (o *Orchestrator) admit(ctx context.Context, userID string) error {
	if o.permits == nil {
		return nil
	}
	if userID != "" {
		if err := o.acquire(ctx, model.ScopeUser, userID); err != nil {
			return err
		}
	}
	return o.acquire(ctx, model.ScopeGlobal, "")
}

func (o *Orchestrator) acquire(ctx context.Context, scope model.RateLimitScope, userID string) error {
	ok, err := o.permits.TryAcquire(ctx, scope, userID, Endpoint)
	if err != nil {
		return eris.Wrap(err, "enrich: acquire permit")
	}
	if !ok {
		return errThrottled
	}
	return nil
}

// call invokes p while holding one of its in-flight slots.
func (o *Orchestrator) call(ctx context.Context, p model.Provider, req provider.Request) (*provider.Response, error) {
	sem := o.semaphore(p.ID)
	if err := sem.Acquire(ctx, 1); err != nil {
		return nil, eris.Wrapf(err, "enrich: wait for %s slot", p.ID)
	}
	defer sem.Release(1)
	return o.gateway.Invoke(ctx, p, req)
}

func citations(sources []provider.Source) []model.Citation {
	seen := make(map[string]struct{}, len(sources))
	var out []model.Citation
	for _, s := range sources {
		if s.URL == "" {
			continue
		}
		if _, dup := seen[s.URL]; dup {
			continue
		}
		seen[s.URL] = struct{}{}
		out = append(out, model.Citation{
			URL:      s.URL,
			Title:    s.Title,
			Snippet:  s.Snippet,
			Provider: s.Provider,
		})
	}
	return out
}

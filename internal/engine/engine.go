// Package engine schedules chapter downloads across a bounded worker pool.
// It leases endpoints, retries transient failures with exponential backoff
// and endpoint rotation, multiplexes batch fetches, and writes every
// outcome into the book's ledger.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/kyten/ficdl/internal/config"
	"github.com/kyten/ficdl/internal/endpoint"
	"github.com/kyten/ficdl/internal/fetch"
	"github.com/kyten/ficdl/internal/ledger"
	"github.com/kyten/ficdl/internal/utils"
)

// BatchSize is the fixed upper bound of chapters per batch work unit.
const BatchSize = 10

const (
	defaultBackoffBase = 500 * time.Millisecond
	// Uncapped growth is pointless past the request timeout scale.
	backoffCap   = 30 * time.Second
	leaseTimeout = 100 * time.Millisecond
)

// Fetcher is the transport collaborator. *fetch.Client satisfies it; tests
// substitute stubs.
type Fetcher interface {
	FetchChapter(ctx context.Context, endpoint, chapterID string) (json.RawMessage, error)
	FetchBatch(ctx context.Context, batchEndpoint string, ids []string) (map[string]json.RawMessage, error)
	Jitter() time.Duration
}

// ProgressFunc receives (successes so far, total chapters this run) after
// every completed work unit.
type ProgressFunc func(completed, total int)

// Summary aggregates one run. Canceled is derived as
// total - success - failed, so the three always sum to the total.
type Summary struct {
	Success  int
	Failed   int
	Canceled int
}

// Engine drives one book's chapter downloads. Each Engine carries its own
// stop signal, so concurrent engines cancel independently.
type Engine struct {
	cfg       *config.Config
	pool      *endpoint.Pool
	fetcher   Fetcher
	extractor fetch.Extractor
	ledger    *ledger.Ledger
	logger    zerolog.Logger

	stopOnce sync.Once
	stopCh   chan struct{}

	backoffBase time.Duration
}

func New(cfg *config.Config, pool *endpoint.Pool, fetcher Fetcher, led *ledger.Ledger) *Engine {
	return &Engine{
		cfg:         cfg,
		pool:        pool,
		fetcher:     fetcher,
		extractor:   fetch.DefaultExtractor(),
		ledger:      led,
		logger:      utils.GetLogger("engine"),
		stopCh:      make(chan struct{}),
		backoffBase: defaultBackoffBase,
	}
}

// SetExtractor swaps the content extraction collaborator.
func (e *Engine) SetExtractor(x fetch.Extractor) {
	e.extractor = x
}

// Stop requests a cooperative stop from any goroutine. In-flight requests
// finish naturally; no new attempts start.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() { close(e.stopCh) })
}

type workUnit struct {
	chapters []ledger.Chapter
}

type chapterResult struct {
	id      string
	outcome ledger.Outcome
}

// Run downloads every manifest chapter the ledger still needs. It returns
// the aggregate counts; the error is non-nil only when the ledger could not
// be persisted (the in-memory outcomes remain available either way).
func (e *Engine) Run(ctx context.Context, manifest []ledger.Chapter, progress ProgressFunc) (Summary, error) {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-e.stopCh:
			cancel()
		case <-runCtx.Done():
		}
	}()

	pending := e.ledger.NeedsWork(manifest)
	total := len(pending)
	if total == 0 {
		e.logger.Info().Msg("No chapters need downloading")
		return Summary{}, nil
	}

	units := e.buildUnits(pending)
	workers := e.workerCount(len(units), total)
	e.logger.Info().Int("chapters", total).Int("units", len(units)).
		Int("workers", workers).Bool("batch", e.cfg.UseBatchAPI).Msg("Starting download run")

	unitCh := make(chan workUnit, len(units))
	for _, u := range units {
		unitCh <- u
	}
	close(unitCh)

	resultCh := make(chan []chapterResult)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for unit := range unitCh {
				resultCh <- e.processUnit(runCtx, unit)
			}
		}()
	}
	go func() {
		wg.Wait()
		close(resultCh)
	}()

	summary := Summary{}
	for results := range resultCh {
		for _, res := range results {
			e.ledger.Record(res.id, res.outcome)
			if out, seen := e.ledger.Get(res.id); seen {
				switch {
				case !out.Failed():
					summary.Success++
				case out.Content != ledger.MarkerCancelled:
					summary.Failed++
				}
			}
		}
		e.reportProgress(progress, summary.Success, total)
	}

	summary.Canceled = total - summary.Success - summary.Failed
	if summary.Canceled < 0 {
		summary.Canceled = 0
	}

	if err := e.ledger.Persist(); err != nil {
		e.logger.Error().Err(err).Msg("Could not persist ledger")
		return summary, fmt.Errorf("error persisting ledger: %w", err)
	}
	e.logger.Info().Int("success", summary.Success).Int("failed", summary.Failed).
		Int("canceled", summary.Canceled).Msg("Download run finished")
	for ep, st := range e.pool.Snapshot() {
		e.logger.Debug().Str("endpoint", ep).Int("failures", st.Failures).
			Float64("latency", st.LatencyEstimate).Msg("Endpoint stats")
	}
	return summary, nil
}

func (e *Engine) buildUnits(pending []ledger.Chapter) []workUnit {
	if !e.cfg.UseBatchAPI {
		units := make([]workUnit, 0, len(pending))
		for _, ch := range pending {
			units = append(units, workUnit{chapters: []ledger.Chapter{ch}})
		}
		return units
	}
	var units []workUnit
	for start := 0; start < len(pending); start += BatchSize {
		end := min(start+BatchSize, len(pending))
		units = append(units, workUnit{chapters: pending[start:end]})
	}
	return units
}

func (e *Engine) workerCount(units, chapters int) int {
	workers := min(e.cfg.MaxWorkers, units)
	if !e.cfg.UseBatchAPI {
		workers = min(workers, e.pool.Size(), chapters)
	}
	return max(workers, 1)
}

func (e *Engine) reportProgress(progress ProgressFunc, completed, total int) {
	if progress == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error().Any("panic", r).Msg("Progress callback panicked")
		}
	}()
	progress(completed, total)
}

func (e *Engine) processUnit(ctx context.Context, unit workUnit) []chapterResult {
	if e.cfg.UseBatchAPI {
		return e.downloadBatch(ctx, unit.chapters)
	}
	ch := unit.chapters[0]
	return []chapterResult{{id: ch.ID, outcome: e.downloadSingle(ctx, ch)}}
}

func cancelled(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return true
	default:
		return false
	}
}

func fallbackTitle(ch ledger.Chapter) string {
	if ch.Title != "" {
		return ch.Title
	}
	return fmt.Sprintf("Chapter %s", ch.ID)
}

// downloadSingle runs the per-chapter retry state machine. Endpoints tried
// for this chapter are excluded from later leases of the same sequence.
func (e *Engine) downloadSingle(ctx context.Context, ch ledger.Chapter) ledger.Outcome {
	title := fallbackTitle(ch)
	reqID := uuid.NewString()[:8]
	logger := e.logger.With().Str("req", reqID).Str("chapter", ch.ID).Logger()
	tried := make(map[string]struct{})

	for attempt := 0; attempt < e.cfg.MaxRetries; attempt++ {
		if cancelled(ctx) {
			logger.Warn().Msg("Download cancelled")
			return ledger.Outcome{Title: title, Content: ledger.MarkerCancelled}
		}

		ep, ok := e.leaseExcluding(ctx, tried)
		if !ok {
			if cancelled(ctx) {
				return ledger.Outcome{Title: title, Content: ledger.MarkerCancelled}
			}
			// Pool exhaustion is a configuration problem, not a transient one.
			logger.Error().Msg("No available endpoints")
			return ledger.Outcome{Title: title, Content: ledger.MarkerNoEndpoint}
		}
		tried[ep] = struct{}{}

		outcome, retry := e.attempt(ctx, logger, ep, ch, title)
		if !retry {
			return outcome
		}
		if attempt+1 < e.cfg.MaxRetries {
			if !e.backoff(ctx, attempt) {
				return ledger.Outcome{Title: title, Content: ledger.MarkerCancelled}
			}
		}
	}
	logger.Error().Int("retries", e.cfg.MaxRetries).Msg("Chapter failed after all retries")
	return ledger.Outcome{Title: title, Content: ledger.MarkerMaxRetries}
}

// attempt performs one leased request. The endpoint is released exactly
// once on every path via the deferred call.
func (e *Engine) attempt(ctx context.Context, logger zerolog.Logger, ep string, ch ledger.Chapter, title string) (out ledger.Outcome, retry bool) {
	defer e.pool.Release(ep)

	select {
	case <-time.After(e.fetcher.Jitter()):
	case <-ctx.Done():
		return ledger.Outcome{Title: title, Content: ledger.MarkerCancelled}, false
	}

	start := time.Now()
	payload, err := e.fetcher.FetchChapter(ctx, ep, ch.ID)
	elapsed := time.Since(start)
	if err != nil {
		e.pool.RecordFailure(ep)
		if errors.Is(err, fetch.ErrNotFound) {
			logger.Error().Str("endpoint", ep).Msg("Chapter not found (404)")
			return ledger.Outcome{Title: title, Content: ledger.MarkerNotFound}, false
		}
		logger.Warn().Err(err).Str("endpoint", ep).Msg("Request failed")
		return ledger.Outcome{}, true
	}

	content, extractedTitle, err := e.extractor.Extract(payload)
	if err != nil || content == "" {
		e.pool.RecordFailure(ep)
		logger.Warn().Err(err).Str("endpoint", ep).Msg("Could not extract chapter content")
		return ledger.Outcome{}, true
	}

	e.pool.RecordSuccess(ep, elapsed)
	if extractedTitle != "" {
		title = extractedTitle
	}
	logger.Debug().Str("endpoint", ep).Dur("elapsed", elapsed).Msg("Chapter downloaded")
	return ledger.Outcome{Title: title, Content: content}, false
}

// leaseExcluding polls the pool up to 2x its size, skipping endpoints
// already tried for this chapter.
func (e *Engine) leaseExcluding(ctx context.Context, tried map[string]struct{}) (string, bool) {
	maxChecks := 2 * e.pool.Size()
	for check := 0; check < maxChecks; check++ {
		if cancelled(ctx) {
			return "", false
		}
		if ep, ok := e.pool.Lease(tried, leaseTimeout); ok {
			return ep, true
		}
	}
	return "", false
}

// backoff sleeps 0.5s * 2^attempt, capped, before the next retry round.
// It reports false when the run was cancelled mid-sleep.
func (e *Engine) backoff(ctx context.Context, attempt int) bool {
	delay := e.backoffBase << attempt
	if delay > backoffCap || delay <= 0 {
		delay = backoffCap
	}
	select {
	case <-time.After(delay):
		return true
	case <-ctx.Done():
		return false
	}
}

// downloadBatch fetches one group of chapters in a single call and
// demultiplexes the response per chapter id. Failures inside a batch are
// final for this run; a later run retries them via the ledger.
func (e *Engine) downloadBatch(ctx context.Context, chapters []ledger.Chapter) []chapterResult {
	results := make([]chapterResult, 0, len(chapters))
	markAll := func(marker string) []chapterResult {
		for _, ch := range chapters {
			results = append(results, chapterResult{
				id:      ch.ID,
				outcome: ledger.Outcome{Title: fallbackTitle(ch), Content: marker},
			})
		}
		return results
	}

	if cancelled(ctx) {
		return markAll(ledger.MarkerCancelled)
	}

	select {
	case <-time.After(e.fetcher.Jitter()):
	case <-ctx.Done():
		return markAll(ledger.MarkerCancelled)
	}

	ids := make([]string, 0, len(chapters))
	for _, ch := range chapters {
		ids = append(ids, ch.ID)
	}
	reqID := uuid.NewString()[:8]
	start := time.Now()
	payloads, err := e.fetcher.FetchBatch(ctx, e.cfg.BatchEndpoint, ids)
	if err != nil {
		e.logger.Error().Str("req", reqID).Err(err).Int("chapters", len(chapters)).
			Dur("elapsed", time.Since(start)).Msg("Batch request failed")
		return markAll(ledger.MarkerBatchFailed)
	}

	for _, ch := range chapters {
		title := fallbackTitle(ch)
		payload, present := payloads[ch.ID]
		if !present {
			e.logger.Warn().Str("req", reqID).Str("chapter", ch.ID).Msg("Chapter missing from batch response")
			results = append(results, chapterResult{id: ch.ID, outcome: ledger.Outcome{Title: title, Content: ledger.MarkerBatchFailed}})
			continue
		}
		content, extractedTitle, err := e.extractor.Extract(payload)
		if err != nil {
			results = append(results, chapterResult{id: ch.ID, outcome: ledger.Outcome{Title: title, Content: ledger.MarkerFormat}})
			continue
		}
		if extractedTitle != "" {
			title = extractedTitle
		}
		if content == "" {
			results = append(results, chapterResult{id: ch.ID, outcome: ledger.Outcome{Title: title, Content: ledger.MarkerEmpty}})
			continue
		}
		results = append(results, chapterResult{id: ch.ID, outcome: ledger.Outcome{Title: title, Content: content}})
	}
	e.logger.Debug().Str("req", reqID).Int("chapters", len(chapters)).
		Dur("elapsed", time.Since(start)).Msg("Batch downloaded")
	return results
}

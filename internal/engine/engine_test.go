package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/kyten/ficdl/internal/config"
	"github.com/kyten/ficdl/internal/endpoint"
	"github.com/kyten/ficdl/internal/fetch"
	"github.com/kyten/ficdl/internal/ledger"
)

type stubFetcher struct {
	mu        sync.Mutex
	calls     int
	fetched   []string
	endpoints []string
	batches   [][]string

	chapterFn func(ep, id string) (json.RawMessage, error)
	batchFn   func(ids []string) (map[string]json.RawMessage, error)
}

func (s *stubFetcher) FetchChapter(ctx context.Context, ep, id string) (json.RawMessage, error) {
	s.mu.Lock()
	s.calls++
	s.fetched = append(s.fetched, id)
	s.endpoints = append(s.endpoints, ep)
	s.mu.Unlock()
	return s.chapterFn(ep, id)
}

func (s *stubFetcher) FetchBatch(ctx context.Context, batchEndpoint string, ids []string) (map[string]json.RawMessage, error) {
	s.mu.Lock()
	group := make([]string, len(ids))
	copy(group, ids)
	s.batches = append(s.batches, group)
	s.mu.Unlock()
	return s.batchFn(ids)
}

func (s *stubFetcher) Jitter() time.Duration { return 0 }

func (s *stubFetcher) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func payload(content, title string) json.RawMessage {
	data, _ := json.Marshal(map[string]map[string]string{
		"data": {"content": content, "title": title},
	})
	return data
}

func testConfig(endpoints ...string) *config.Config {
	cfg := config.Default()
	cfg.Endpoints = endpoints
	cfg.MinWaitMs = 0
	cfg.MaxWaitMs = 0
	return cfg
}

func testLedger(t *testing.T) *ledger.Ledger {
	t.Helper()
	return ledger.Load(filepath.Join(t.TempDir(), "status.json"), ledger.Metadata{
		BookID:   "book1",
		BookName: "Test Book",
	})
}

func testEngine(t *testing.T, cfg *config.Config, stub *stubFetcher) (*Engine, *ledger.Ledger) {
	t.Helper()
	led := testLedger(t)
	eng := New(cfg, endpoint.NewPool(cfg.Endpoints), stub, led)
	eng.backoffBase = time.Millisecond
	return eng, led
}

func manifestOf(n int) []ledger.Chapter {
	manifest := make([]ledger.Chapter, 0, n)
	for i := 0; i < n; i++ {
		manifest = append(manifest, ledger.Chapter{
			ID:    fmt.Sprintf("c%02d", i+1),
			Title: fmt.Sprintf("Chapter %d", i+1),
			Index: i,
		})
	}
	return manifest
}

func TestRunDownloadsEverything(t *testing.T) {
	stub := &stubFetcher{chapterFn: func(ep, id string) (json.RawMessage, error) {
		return payload("body of "+id, "title of "+id), nil
	}}
	eng, led := testEngine(t, testConfig("http://a", "http://b"), stub)

	var progressMu sync.Mutex
	var progressCalls []int
	summary, err := eng.Run(context.Background(), manifestOf(5), func(completed, total int) {
		progressMu.Lock()
		progressCalls = append(progressCalls, completed)
		progressMu.Unlock()
		if total != 5 {
			t.Errorf("Expected total 5, got %d", total)
		}
	})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if summary.Success != 5 || summary.Failed != 0 || summary.Canceled != 0 {
		t.Errorf("Unexpected summary: %+v", summary)
	}

	out, seen := led.Get("c03")
	if !seen || out.Failed() || out.Content != "body of c03" || out.Title != "title of c03" {
		t.Errorf("Unexpected ledger outcome: %+v", out)
	}
	if len(progressCalls) != 5 || progressCalls[len(progressCalls)-1] != 5 {
		t.Errorf("Unexpected progress invocations: %v", progressCalls)
	}
}

func TestIdempotence(t *testing.T) {
	stub := &stubFetcher{chapterFn: func(ep, id string) (json.RawMessage, error) {
		return payload("body", "t"), nil
	}}
	eng, led := testEngine(t, testConfig("http://a"), stub)
	manifest := manifestOf(3)

	if _, err := eng.Run(context.Background(), manifest, nil); err != nil {
		t.Fatal(err)
	}
	before := stub.callCount()

	eng2 := New(eng.cfg, endpoint.NewPool(eng.cfg.Endpoints), stub, led)
	summary, err := eng2.Run(context.Background(), manifest, nil)
	if err != nil {
		t.Fatal(err)
	}
	if stub.callCount() != before {
		t.Errorf("Second run issued %d network calls, expected zero", stub.callCount()-before)
	}
	if summary != (Summary{}) {
		t.Errorf("Expected empty summary on second run, got %+v", summary)
	}
}

func TestResumeRetriesOnlyErrorChapters(t *testing.T) {
	stub := &stubFetcher{chapterFn: func(ep, id string) (json.RawMessage, error) {
		return payload("fresh "+id, ""), nil
	}}
	eng, led := testEngine(t, testConfig("http://a", "http://b"), stub)

	led.Record("c01", ledger.Outcome{Title: "one", Content: "old body"})
	led.Record("c02", ledger.Outcome{Title: "two", Content: "old body"})
	led.Record("c03", ledger.Outcome{Title: "three", Content: ledger.MarkerMaxRetries})

	summary, err := eng.Run(context.Background(), manifestOf(5), nil)
	if err != nil {
		t.Fatal(err)
	}
	if summary.Success != 3 {
		t.Errorf("Expected 3 successes (c03-c05), got %d", summary.Success)
	}

	stub.mu.Lock()
	fetched := make(map[string]bool, len(stub.fetched))
	for _, id := range stub.fetched {
		fetched[id] = true
	}
	stub.mu.Unlock()
	if fetched["c01"] || fetched["c02"] {
		t.Error("Re-fetched chapters that were already successful")
	}
	for _, id := range []string{"c03", "c04", "c05"} {
		if !fetched[id] {
			t.Errorf("Expected %s to be fetched", id)
		}
	}

	out, _ := led.Get("c01")
	if out.Content != "old body" {
		t.Errorf("Successful chapter was overwritten: %+v", out)
	}
	out, _ = led.Get("c03")
	if out.Content != "fresh c03" {
		t.Errorf("Error chapter was not retried: %+v", out)
	}
}

func TestNotFoundIsPermanent(t *testing.T) {
	stub := &stubFetcher{chapterFn: func(ep, id string) (json.RawMessage, error) {
		return nil, fmt.Errorf("chapter %s: %w", id, fetch.ErrNotFound)
	}}
	eng, led := testEngine(t, testConfig("http://a", "http://b", "http://c"), stub)

	summary, err := eng.Run(context.Background(), manifestOf(1), nil)
	if err != nil {
		t.Fatal(err)
	}
	if summary.Failed != 1 {
		t.Errorf("Expected 1 failure, got %+v", summary)
	}
	if stub.callCount() != 1 {
		t.Errorf("Expected a single attempt for a 404, got %d", stub.callCount())
	}
	out, _ := led.Get("c01")
	if out.Content != ledger.MarkerNotFound {
		t.Errorf("Expected not-found marker, got %q", out.Content)
	}
}

func TestRetryBoundWithBackoff(t *testing.T) {
	stub := &stubFetcher{chapterFn: func(ep, id string) (json.RawMessage, error) {
		return nil, fmt.Errorf("connection reset")
	}}
	cfg := testConfig("http://a", "http://b", "http://c")
	cfg.MaxRetries = 3
	eng, led := testEngine(t, cfg, stub)
	eng.backoffBase = 30 * time.Millisecond

	start := time.Now()
	summary, err := eng.Run(context.Background(), manifestOf(1), nil)
	elapsed := time.Since(start)
	if err != nil {
		t.Fatal(err)
	}
	if summary.Failed != 1 {
		t.Errorf("Expected 1 failure, got %+v", summary)
	}
	if stub.callCount() != 3 {
		t.Errorf("Expected exactly maxRetries=3 attempts, got %d", stub.callCount())
	}
	// Backoff between attempts: 30ms then 60ms
	if elapsed < 90*time.Millisecond {
		t.Errorf("Expected at least 90ms of backoff, run took %v", elapsed)
	}
	out, _ := led.Get("c01")
	if out.Content != ledger.MarkerMaxRetries {
		t.Errorf("Expected max-retries marker, got %q", out.Content)
	}
}

func TestRetriesRotateEndpoints(t *testing.T) {
	stub := &stubFetcher{chapterFn: func(ep, id string) (json.RawMessage, error) {
		return nil, fmt.Errorf("timeout")
	}}
	cfg := testConfig("http://a", "http://b")
	cfg.MaxRetries = 2
	eng, _ := testEngine(t, cfg, stub)

	if _, err := eng.Run(context.Background(), manifestOf(1), nil); err != nil {
		t.Fatal(err)
	}
	stub.mu.Lock()
	defer stub.mu.Unlock()
	if len(stub.endpoints) != 2 {
		t.Fatalf("Expected 2 attempts, got %d", len(stub.endpoints))
	}
	if stub.endpoints[0] == stub.endpoints[1] {
		t.Errorf("Expected a different endpoint on retry, got %s twice", stub.endpoints[0])
	}
}

func TestPoolExhaustionFailsImmediately(t *testing.T) {
	stub := &stubFetcher{chapterFn: func(ep, id string) (json.RawMessage, error) {
		return nil, fmt.Errorf("timeout")
	}}
	cfg := testConfig("http://only")
	cfg.MaxRetries = 3
	eng, led := testEngine(t, cfg, stub)

	summary, err := eng.Run(context.Background(), manifestOf(1), nil)
	if err != nil {
		t.Fatal(err)
	}
	if summary.Failed != 1 {
		t.Errorf("Expected 1 failure, got %+v", summary)
	}
	// One real attempt; the retry finds every endpoint already tried
	if stub.callCount() != 1 {
		t.Errorf("Expected a single attempt, got %d", stub.callCount())
	}
	out, _ := led.Get("c01")
	if out.Content != ledger.MarkerNoEndpoint {
		t.Errorf("Expected no-endpoint marker, got %q", out.Content)
	}
}

func TestCancellationStopsNewAttempts(t *testing.T) {
	stub := &stubFetcher{chapterFn: func(ep, id string) (json.RawMessage, error) {
		time.Sleep(5 * time.Millisecond)
		return payload("body", "t"), nil
	}}
	eng, _ := testEngine(t, testConfig("http://a", "http://b", "http://c"), stub)

	summary, err := eng.Run(context.Background(), manifestOf(25), func(completed, total int) {
		if completed >= 10 {
			eng.Stop()
		}
	})
	if err != nil {
		t.Fatal(err)
	}
	if got := summary.Success + summary.Failed + summary.Canceled; got != 25 {
		t.Errorf("Count conservation violated: %+v sums to %d", summary, got)
	}
	if summary.Success < 10 {
		t.Errorf("Expected at least 10 successes before the stop, got %d", summary.Success)
	}
	if summary.Canceled == 0 {
		t.Error("Expected some chapters to be canceled")
	}
	if stub.callCount() != summary.Success {
		t.Errorf("Attempts started after cancellation: %d calls for %d successes",
			stub.callCount(), summary.Success)
	}
}

func TestCountConservationWithMixedOutcomes(t *testing.T) {
	stub := &stubFetcher{chapterFn: func(ep, id string) (json.RawMessage, error) {
		if id == "c03" {
			return nil, fmt.Errorf("chapter %s: %w", id, fetch.ErrNotFound)
		}
		return payload("body "+id, ""), nil
	}}
	eng, _ := testEngine(t, testConfig("http://a", "http://b"), stub)

	summary, err := eng.Run(context.Background(), manifestOf(6), nil)
	if err != nil {
		t.Fatal(err)
	}
	if summary.Success != 5 || summary.Failed != 1 || summary.Canceled != 0 {
		t.Errorf("Unexpected summary: %+v", summary)
	}
}

func TestBatchPartitioning(t *testing.T) {
	stub := &stubFetcher{batchFn: func(ids []string) (map[string]json.RawMessage, error) {
		for _, id := range ids {
			if id == "c11" {
				return nil, fmt.Errorf("batch request refused")
			}
		}
		out := make(map[string]json.RawMessage, len(ids))
		for _, id := range ids {
			out[id] = payload("body "+id, "t"+id)
		}
		return out, nil
	}}
	cfg := testConfig()
	cfg.UseBatchAPI = true
	cfg.BatchEndpoint = "http://batch"
	cfg.MaxWorkers = 1
	led := testLedger(t)
	eng := New(cfg, endpoint.NewPool(nil), stub, led)

	summary, err := eng.Run(context.Background(), manifestOf(25), nil)
	if err != nil {
		t.Fatal(err)
	}

	stub.mu.Lock()
	sizes := make([]int, 0, len(stub.batches))
	for _, group := range stub.batches {
		sizes = append(sizes, len(group))
	}
	first := ""
	if len(stub.batches) > 0 && len(stub.batches[0]) > 0 {
		first = stub.batches[0][0]
	}
	stub.mu.Unlock()

	if len(sizes) != 3 || sizes[0] != 10 || sizes[1] != 10 || sizes[2] != 5 {
		t.Errorf("Expected groups of [10 10 5], got %v", sizes)
	}
	if first != "c01" {
		t.Errorf("Expected groups in manifest order, first id was %q", first)
	}
	if summary.Success != 15 || summary.Failed != 10 {
		t.Errorf("Expected 15 successes and 10 failures, got %+v", summary)
	}

	// Exactly chapters 11-20 carry the batch marker
	for i := 1; i <= 25; i++ {
		id := fmt.Sprintf("c%02d", i)
		out, seen := led.Get(id)
		if !seen {
			t.Fatalf("Missing outcome for %s", id)
		}
		failed := i >= 11 && i <= 20
		if failed && out.Content != ledger.MarkerBatchFailed {
			t.Errorf("Expected %s batch-failed, got %q", id, out.Content)
		}
		if !failed && out.Failed() {
			t.Errorf("Chapter %s unexpectedly failed: %q", id, out.Content)
		}
	}
}

func TestBatchMissingChapterFailsIndividually(t *testing.T) {
	stub := &stubFetcher{batchFn: func(ids []string) (map[string]json.RawMessage, error) {
		out := make(map[string]json.RawMessage, len(ids))
		for _, id := range ids {
			if id == "c02" {
				continue
			}
			out[id] = payload("body "+id, "")
		}
		return out, nil
	}}
	cfg := testConfig()
	cfg.UseBatchAPI = true
	cfg.BatchEndpoint = "http://batch"
	led := testLedger(t)
	eng := New(cfg, endpoint.NewPool(nil), stub, led)

	summary, err := eng.Run(context.Background(), manifestOf(3), nil)
	if err != nil {
		t.Fatal(err)
	}
	if summary.Success != 2 || summary.Failed != 1 {
		t.Errorf("Unexpected summary: %+v", summary)
	}
	out, _ := led.Get("c02")
	if out.Content != ledger.MarkerBatchFailed {
		t.Errorf("Expected batch-failed marker for the missing id, got %q", out.Content)
	}
}

func TestRunWithCancelledContext(t *testing.T) {
	stub := &stubFetcher{chapterFn: func(ep, id string) (json.RawMessage, error) {
		return payload("body", "t"), nil
	}}
	eng, _ := testEngine(t, testConfig("http://a"), stub)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	summary, err := eng.Run(ctx, manifestOf(4), nil)
	if err != nil {
		t.Fatal(err)
	}
	if summary.Canceled != 4 || summary.Success != 0 || summary.Failed != 0 {
		t.Errorf("Expected everything canceled, got %+v", summary)
	}
	if stub.callCount() != 0 {
		t.Errorf("Expected no network calls under a cancelled context, got %d", stub.callCount())
	}
}

func TestEndpointsReleasedOnEveryPath(t *testing.T) {
	stub := &stubFetcher{chapterFn: func(ep, id string) (json.RawMessage, error) {
		switch id {
		case "c01":
			return payload("body", "t"), nil
		case "c02":
			return nil, fmt.Errorf("chapter %s: %w", id, fetch.ErrNotFound)
		default:
			return nil, fmt.Errorf("timeout")
		}
	}}
	cfg := testConfig("http://a", "http://b")
	cfg.MaxRetries = 2
	led := testLedger(t)
	pool := endpoint.NewPool(cfg.Endpoints)
	eng := New(cfg, pool, stub, led)
	eng.backoffBase = time.Millisecond

	if _, err := eng.Run(context.Background(), manifestOf(3), nil); err != nil {
		t.Fatal(err)
	}

	// Success, permanent failure, and retries-exhausted paths must all have
	// returned their endpoints to circulation.
	for i := 0; i < pool.Size(); i++ {
		if _, ok := pool.Lease(nil, 100*time.Millisecond); !ok {
			t.Fatal("An endpoint was leaked by the run")
		}
	}
}

func TestProgressCallbackPanicIsContained(t *testing.T) {
	stub := &stubFetcher{chapterFn: func(ep, id string) (json.RawMessage, error) {
		return payload("body", "t"), nil
	}}
	eng, _ := testEngine(t, testConfig("http://a"), stub)

	summary, err := eng.Run(context.Background(), manifestOf(2), func(completed, total int) {
		panic("listener gone")
	})
	if err != nil {
		t.Fatal(err)
	}
	if summary.Success != 2 {
		t.Errorf("Run did not survive a panicking callback: %+v", summary)
	}
}

func TestEmptyContentIsTransient(t *testing.T) {
	stub := &stubFetcher{chapterFn: func(ep, id string) (json.RawMessage, error) {
		return payload("", ""), nil
	}}
	cfg := testConfig("http://a", "http://b", "http://c")
	cfg.MaxRetries = 2
	eng, led := testEngine(t, cfg, stub)

	summary, err := eng.Run(context.Background(), manifestOf(1), nil)
	if err != nil {
		t.Fatal(err)
	}
	if summary.Failed != 1 {
		t.Errorf("Expected 1 failure, got %+v", summary)
	}
	if stub.callCount() != 2 {
		t.Errorf("Expected empty content to be retried, got %d attempts", stub.callCount())
	}
	out, _ := led.Get("c01")
	if out.Content != ledger.MarkerMaxRetries {
		t.Errorf("Expected max-retries marker, got %q", out.Content)
	}
}

package job

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"OpenMEE-Chain/internal/account"
	xerrors "OpenMEE-Chain/internal/errors"
	"OpenMEE-Chain/internal/execution"
	"OpenMEE-Chain/internal/observability/alerting"
	"OpenMEE-Chain/internal/simulator"
	"OpenMEE-Chain/internal/supertx"
)

type executorFunc func(ctx context.Context, job *Job, onSubmit SubmitFunc) (Result, error)

func (f executorFunc) Execute(ctx context.Context, job *Job, onSubmit SubmitFunc) (Result, error) {
	return f(ctx, job, onSubmit)
}

type recordingDispatcher struct {
	mu     sync.Mutex
	events []alerting.Event
}

func (d *recordingDispatcher) Notify(_ context.Context, event alerting.Event) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.events = append(d.events, event)
	return nil
}

func (d *recordingDispatcher) snapshot() []alerting.Event {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]alerting.Event(nil), d.events...)
}

type recordingProducer struct {
	mu        sync.Mutex
	published []string
	err       error
}

func (p *recordingProducer) Publish(_ context.Context, jobID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.published = append(p.published, jobID)
	return nil
}

func (p *recordingProducer) Close() error { return nil }

type pipeline struct {
	store   Store
	queue   *MemoryQueue
	service *Service
	alerts  *recordingDispatcher
	cancel  context.CancelFunc
	done    chan struct{}
}

func startPipeline(t *testing.T, executor Executor, owner string, maxRetries, workers int) *pipeline {
	t.Helper()
	return startPipelineWithStore(t, NewMemoryStore(), executor, owner, maxRetries, workers)
}

func startPipelineWithStore(t *testing.T, store Store, executor Executor, owner string, maxRetries, workers int) *pipeline {
	t.Helper()
	p := &pipeline{
		store:  store,
		queue:  NewMemoryQueue(16),
		alerts: &recordingDispatcher{},
		done:   make(chan struct{}),
	}
	p.service = NewService(p.store, p.queue, owner, maxRetries)
	processor := NewProcessor(executor, p.store, p.queue, p.queue,
		WithWorkerCount(workers),
		WithAlertDispatcher(p.alerts),
	)

	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	go func() {
		defer close(p.done)
		_ = processor.Start(ctx)
	}()
	t.Cleanup(p.stop)
	return p
}

func (p *pipeline) stop() {
	p.cancel()
	<-p.done
}

func (p *pipeline) await(t *testing.T, id string) *Job {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	job, err := p.service.WaitUntilCompleted(ctx, id, 5*time.Millisecond)
	if err != nil {
		t.Fatalf("wait for job %s: %v", id, err)
	}
	return job
}

// waitForAlerts 等待告警数量达到 n；告警在失败状态落库之后发出。
func (p *pipeline) waitForAlerts(t *testing.T, n int) []alerting.Event {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		alerts := p.alerts.snapshot()
		if len(alerts) >= n {
			if len(alerts) > n {
				t.Fatalf("expected %d alerts, got %+v", n, alerts)
			}
			return alerts
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected %d alerts, got %+v", n, alerts)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestProcessorRunsPlanAgainstSimulatedRelay(t *testing.T) {
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("key: %v", err)
	}
	signer := account.NewKeySignerFromECDSA(key)
	owner, err := account.NewMultichain(signer, account.ChainConfig{ChainID: testChain, Version: account.V2_1_0})
	if err != nil {
		t.Fatalf("multichain: %v", err)
	}

	ledger := simulator.NewLedger()
	ledger.SetBalance(testChain, usdc, owner.EOA(), big.NewInt(100_000_000))
	relay := simulator.New(ledger, simulator.WithFee(big.NewInt(52_000)))
	relay.AddPool(testChain, pool, map[common.Address]common.Address{usdc: ausdc})

	ctrl, err := execution.NewController(signer, relay, execution.WithRetryDelay(time.Millisecond))
	if err != nil {
		t.Fatalf("controller: %v", err)
	}
	runner := NewRunner(owner, supertx.NewPlanner(relay), ctrl, execution.Options{
		Confirmations: 1,
		PollInterval:  time.Millisecond,
		PollAttempts:  3,
		WaitTimeout:   2 * time.Second,
	})

	p := startPipeline(t, runner, owner.EOA().Hex(), 3, 1)
	plan := supplyPlan("10000000")
	plan.Confirmations = 2

	submitted, err := p.service.Submit(context.Background(), SubmitRequest{Plan: plan})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if submitted.Status != StatusPending || submitted.ID == "" {
		t.Fatalf("unexpected submitted job %+v", submitted)
	}

	job := p.await(t, submitted.ID)
	if job.Status != StatusSucceeded || job.Attempts != 1 {
		t.Fatalf("unexpected job %+v", job)
	}
	if job.Result == nil || job.Result.Status != string(execution.StatusMinedSuccess) || job.Result.Confirmations < 2 {
		t.Fatalf("unexpected result %+v", job.Result)
	}
	if job.Handle == "" || job.QuoteHash == "" || job.Result.FeeAmount != "52000" {
		t.Fatalf("handle, quote hash and fee must be recorded: %+v", job)
	}

	eoaATokens, _ := ledger.ReadBalance(context.Background(), testChain, ausdc, owner.EOA())
	if eoaATokens.Cmp(big.NewInt(10_000_000)) != 0 {
		t.Fatalf("EOA holds %s aUSDC, want 10000000", eoaATokens)
	}
	if got := p.alerts.snapshot(); len(got) != 0 {
		t.Fatalf("no alerts expected, got %+v", got)
	}
}

// flakyStore 让 MarkSubmitted 在前 n 次调用时失败。
type flakyStore struct {
	*MemoryStore
	failures atomic.Int32
}

func (s *flakyStore) MarkSubmitted(ctx context.Context, id, quoteHash, handle string) error {
	if s.failures.Add(-1) >= 0 {
		return xerrors.New(xerrors.CodeStorageFailure, "connection reset")
	}
	return s.MemoryStore.MarkSubmitted(ctx, id, quoteHash, handle)
}

// countingRelay 统计提交次数。
type countingRelay struct {
	*simulator.Relay
	submits atomic.Int32
}

func (r *countingRelay) Submit(ctx context.Context, signed supertx.SignedQuote) (supertx.Handle, error) {
	r.submits.Add(1)
	return r.Relay.Submit(ctx, signed)
}

type simulatedRig struct {
	owner  *account.Multichain
	sim    *simulator.Relay
	relay  *countingRelay
	runner *Runner
}

func newSimulatedRig(t *testing.T, opts execution.Options, runnerOpts ...RunnerOption) *simulatedRig {
	t.Helper()
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("key: %v", err)
	}
	signer := account.NewKeySignerFromECDSA(key)
	owner, err := account.NewMultichain(signer, account.ChainConfig{ChainID: testChain, Version: account.V2_1_0})
	if err != nil {
		t.Fatalf("multichain: %v", err)
	}
	ledger := simulator.NewLedger()
	ledger.SetBalance(testChain, usdc, owner.EOA(), big.NewInt(100_000_000))
	sim := simulator.New(ledger)
	sim.AddPool(testChain, pool, map[common.Address]common.Address{usdc: ausdc})
	relay := &countingRelay{Relay: sim}

	ctrl, err := execution.NewController(signer, relay, execution.WithRetryDelay(time.Millisecond))
	if err != nil {
		t.Fatalf("controller: %v", err)
	}
	runner := NewRunner(owner, supertx.NewPlanner(sim), ctrl, opts, runnerOpts...)
	return &simulatedRig{owner: owner, sim: sim, relay: relay, runner: runner}
}

func flappingReadOptions() execution.Options {
	return execution.Options{
		Confirmations: 1,
		PollInterval:  time.Millisecond,
		PollAttempts:  2,
		WaitTimeout:   2 * time.Second,
	}
}

func TestRunnerRetriesHandlePersistence(t *testing.T) {
	rig := newSimulatedRig(t, flappingReadOptions(), WithHandlePersistRetry(3, time.Millisecond))
	store := &flakyStore{MemoryStore: NewMemoryStore()}
	store.failures.Store(1)
	rig.sim.FailReads(2)
	p := startPipelineWithStore(t, store, rig.runner, rig.owner.EOA().Hex(), 3, 1)

	submitted, err := p.service.Submit(context.Background(), SubmitRequest{Plan: supplyPlan("10000000")})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	job := p.await(t, submitted.ID)
	if job.Status != StatusSucceeded || job.Attempts != 2 {
		t.Fatalf("expected success on the second attempt, got %+v", job)
	}
	if job.Handle == "" || job.Result == nil || job.Result.Handle != job.Handle {
		t.Fatalf("handle must be recorded and reused: %+v", job)
	}
	if n := rig.relay.submits.Load(); n != 1 {
		t.Fatalf("plan submitted %d times, want 1", n)
	}
}

func TestRunnerStopsRetryingWhenHandleIsNotRecorded(t *testing.T) {
	rig := newSimulatedRig(t, flappingReadOptions(), WithHandlePersistRetry(2, time.Millisecond))
	store := &flakyStore{MemoryStore: NewMemoryStore()}
	store.failures.Store(1000)
	rig.sim.FailReads(2)
	p := startPipelineWithStore(t, store, rig.runner, rig.owner.EOA().Hex(), 3, 1)

	submitted, err := p.service.Submit(context.Background(), SubmitRequest{Plan: supplyPlan("10000000")})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	job := p.await(t, submitted.ID)
	if job.Status != StatusFailed || job.ErrorCode != string(CodeHandleNotRecorded) || job.Attempts != 1 {
		t.Fatalf("unexpected job %+v", job)
	}
	if !strings.Contains(job.LastError, "handle=0x") {
		t.Fatalf("last error must carry the handle: %q", job.LastError)
	}
	if n := rig.relay.submits.Load(); n != 1 {
		t.Fatalf("plan submitted %d times, want 1", n)
	}
	alerts := p.waitForAlerts(t, 1)
	if alerts[0].Code != CodeHandleNotRecorded || alerts[0].Handle == "" {
		t.Fatalf("unexpected alert %+v", alerts[0])
	}
}

func TestProcessorRetriesRetryableFailures(t *testing.T) {
	var calls atomic.Int32
	executor := executorFunc(func(_ context.Context, job *Job, _ SubmitFunc) (Result, error) {
		if calls.Add(1) == 1 {
			return Result{}, xerrors.New(xerrors.CodeQuoteUnavailable, "node busy")
		}
		return Result{Handle: "0xh", Status: "MINED_SUCCESS", Confirmations: 2}, nil
	})
	p := startPipeline(t, executor, "0xaa", 3, 1)

	submitted, err := p.service.Submit(context.Background(), SubmitRequest{ID: "retry-me", Plan: supplyPlan("1")})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	job := p.await(t, submitted.ID)
	if job.Status != StatusSucceeded || job.Attempts != 2 || job.LastError != "" {
		t.Fatalf("unexpected job %+v", job)
	}

	alerts := p.alerts.snapshot()
	if len(alerts) != 1 || alerts[0].Metadata["stage"] != "retry" || alerts[0].Code != xerrors.CodeQuoteUnavailable {
		t.Fatalf("unexpected alerts %+v", alerts)
	}
}

func TestProcessorStopsOnFailedSupertransaction(t *testing.T) {
	var calls atomic.Int32
	executor := executorFunc(func(_ context.Context, job *Job, onSubmit SubmitFunc) (Result, error) {
		calls.Add(1)
		if err := onSubmit(context.Background(), "0xq", "0xdead"); err != nil {
			return Result{}, err
		}
		return Result{Handle: "0xdead", Status: "MINED_FAILURE"}, xerrors.New(CodeSupertxFailed, "reverted",
			xerrors.WithMetadata("handle", "0xdead"),
			xerrors.WithMetadata("last_status", "MINED_FAILURE"))
	})
	p := startPipeline(t, executor, "0xaa", 3, 1)

	submitted, err := p.service.Submit(context.Background(), SubmitRequest{Plan: supplyPlan("1")})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	job := p.await(t, submitted.ID)
	if job.Status != StatusFailed || job.ErrorCode != string(CodeSupertxFailed) {
		t.Fatalf("unexpected job %+v", job)
	}
	if job.Attempts != 1 || job.MaxRetries != 1 || calls.Load() != 1 {
		t.Fatalf("a failed supertransaction must not be retried: %+v calls=%d", job, calls.Load())
	}
	if job.Handle != "0xdead" {
		t.Fatalf("handle should be recorded on submit, got %q", job.Handle)
	}

	alerts := p.waitForAlerts(t, 1)
	if alerts[0].Metadata["stage"] != "non_retryable" || alerts[0].Handle != "0xdead" || alerts[0].JobID != job.ID {
		t.Fatalf("unexpected alert %+v", alerts[0])
	}
}

func TestProcessorRetryReusesHandle(t *testing.T) {
	var (
		mu      sync.Mutex
		handles []string
	)
	executor := executorFunc(func(ctx context.Context, job *Job, onSubmit SubmitFunc) (Result, error) {
		mu.Lock()
		handles = append(handles, job.Handle)
		mu.Unlock()
		if job.Handle == "" {
			if err := onSubmit(ctx, "0xq", "0xh1"); err != nil {
				return Result{}, err
			}
			return Result{}, xerrors.New(xerrors.CodePolling, "relay flapping", xerrors.WithMetadata("handle", "0xh1"))
		}
		return Result{Handle: job.Handle, Status: "MINED_SUCCESS"}, nil
	})
	p := startPipeline(t, executor, "0xaa", 3, 1)

	submitted, err := p.service.Submit(context.Background(), SubmitRequest{Plan: supplyPlan("1")})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	job := p.await(t, submitted.ID)
	if job.Status != StatusSucceeded || job.Result.Handle != "0xh1" {
		t.Fatalf("unexpected job %+v", job)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(handles) != 2 || handles[0] != "" || handles[1] != "0xh1" {
		t.Fatalf("second attempt must resume from the stored handle, got %v", handles)
	}
}

func TestProcessorExhaustsRetries(t *testing.T) {
	executor := executorFunc(func(context.Context, *Job, SubmitFunc) (Result, error) {
		return Result{}, xerrors.New(xerrors.CodeRelayUnavailable, "relay down")
	})
	p := startPipeline(t, executor, "0xaa", 2, 2)

	submitted, err := p.service.Submit(context.Background(), SubmitRequest{Plan: supplyPlan("1")})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	job := p.await(t, submitted.ID)
	if job.Status != StatusFailed || job.Attempts != 2 || job.ErrorCode != string(xerrors.CodeRelayUnavailable) {
		t.Fatalf("unexpected job %+v", job)
	}

	if alerts := p.waitForAlerts(t, 1); alerts[0].Metadata["stage"] != "terminal" {
		t.Fatalf("expected a terminal alert, got %+v", alerts)
	}
}

func TestProcessorConcurrentJobs(t *testing.T) {
	var running, peak atomic.Int32
	executor := executorFunc(func(_ context.Context, job *Job, _ SubmitFunc) (Result, error) {
		n := running.Add(1)
		defer running.Add(-1)
		for {
			old := peak.Load()
			if n <= old || peak.CompareAndSwap(old, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		return Result{Handle: "0x" + job.ID, Status: "MINED_SUCCESS"}, nil
	})
	p := startPipeline(t, executor, "0xaa", 1, 4)

	ids := make([]string, 0, 8)
	for i := 0; i < 8; i++ {
		job, err := p.service.Submit(context.Background(), SubmitRequest{Plan: supplyPlan("1")})
		if err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
		ids = append(ids, job.ID)
	}
	for _, id := range ids {
		if job := p.await(t, id); job.Status != StatusSucceeded {
			t.Fatalf("job %s ended as %s", id, job.Status)
		}
	}
	if peak.Load() < 2 {
		t.Fatalf("expected jobs to run concurrently, peak=%d", peak.Load())
	}

	stats, err := p.service.Stats(context.Background())
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Total != 8 || stats.Succeeded != 8 {
		t.Fatalf("unexpected stats %+v", stats)
	}
}

func TestProcessorShutdownLeavesJobResumable(t *testing.T) {
	store := NewMemoryStore()
	producer := &recordingProducer{}
	alerts := &recordingDispatcher{}
	started := make(chan struct{})
	executor := executorFunc(func(ctx context.Context, job *Job, onSubmit SubmitFunc) (Result, error) {
		if err := onSubmit(ctx, "0xq", "0xh"); err != nil {
			return Result{}, err
		}
		close(started)
		<-ctx.Done()
		return Result{}, xerrors.Wrap(xerrors.CodePolling, ctx.Err(), "await interrupted")
	})
	processor := NewProcessor(executor, store, nil, producer, WithAlertDispatcher(alerts))

	ctx := context.Background()
	if err := store.Create(ctx, &Job{ID: "long", Status: StatusPending, MaxRetries: 3, Plan: supplyPlan("1")}); err != nil {
		t.Fatalf("create: %v", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	errCh := make(chan error, 1)
	go func() { errCh <- processor.handle(runCtx, "long") }()
	<-started
	cancel()
	if err := <-errCh; err != nil {
		t.Fatalf("interrupted job should not fail the handler: %v", err)
	}

	job, err := store.Get(ctx, "long")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if job.Status != StatusFailed || job.MaxRetries != 3 || job.Handle != "0xh" {
		t.Fatalf("interrupted job must stay retryable with its handle: %+v", job)
	}
	if len(alerts.snapshot()) != 0 || len(producer.published) != 0 {
		t.Fatal("shutdown must neither alert nor requeue")
	}

	n, err := processor.Resume(ctx)
	if err != nil || n != 1 || producer.published[0] != "long" {
		t.Fatalf("resume: n=%d err=%v published=%v", n, err, producer.published)
	}
}

func TestProcessorResume(t *testing.T) {
	store := NewMemoryStore()
	producer := &recordingProducer{}
	processor := NewProcessor(executorFunc(nil), store, nil, producer)
	ctx := context.Background()

	seed := []*Job{
		{ID: "pending", Status: StatusPending, MaxRetries: 3},
		{ID: "retryable", Status: StatusFailed, Attempts: 1, MaxRetries: 3},
		{ID: "exhausted", Status: StatusFailed, Attempts: 3, MaxRetries: 3},
		{ID: "done", Status: StatusSucceeded, Attempts: 1, MaxRetries: 3},
		{ID: "inflight", Status: StatusSubmitted, Attempts: 1, MaxRetries: 3},
	}
	for _, job := range seed {
		if err := store.Create(ctx, job); err != nil {
			t.Fatalf("create %s: %v", job.ID, err)
		}
	}

	n, err := processor.Resume(ctx)
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 jobs republished, got %d (%v)", n, producer.published)
	}
	got := map[string]bool{}
	for _, id := range producer.published {
		got[id] = true
	}
	if !got["pending"] || !got["retryable"] {
		t.Fatalf("unexpected republished jobs %v", producer.published)
	}

	producer.err = errors.New("broker down")
	if _, err := processor.Resume(ctx); !xerrors.HasCode(err, CodeJobPublish) {
		t.Fatalf("expected publish error, got %v", err)
	}
}

func TestServiceSubmit(t *testing.T) {
	store := NewMemoryStore()
	producer := &recordingProducer{}
	service := NewService(store, producer, "0xaa", 0)
	ctx := context.Background()

	if _, err := service.Submit(ctx, SubmitRequest{Plan: Plan{}}); !xerrors.HasCode(err, CodeJobValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}

	first, err := service.Submit(ctx, SubmitRequest{ID: "fixed", Plan: supplyPlan("5")})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if first.MaxRetries != 3 || first.Owner != "0xaa" {
		t.Fatalf("unexpected defaults %+v", first)
	}
	again, err := service.Submit(ctx, SubmitRequest{ID: "fixed", Plan: supplyPlan("6")})
	if err != nil {
		t.Fatalf("resubmit: %v", err)
	}
	if again.Plan.Trigger.Amount != "5" || len(producer.published) != 1 {
		t.Fatalf("resubmitting the same id must return the existing job: %+v %v", again, producer.published)
	}

	producer.err = errors.New("broker down")
	if _, err := service.Submit(ctx, SubmitRequest{ID: "lost", Plan: supplyPlan("5")}); !xerrors.HasCode(err, CodeJobPublish) {
		t.Fatalf("expected publish error, got %v", err)
	}
	lost, err := store.Get(ctx, "lost")
	if err != nil {
		t.Fatalf("get lost job: %v", err)
	}
	if lost.Status != StatusFailed || lost.MaxRetries != 0 {
		t.Fatalf("unpublished job must be failed terminally: %+v", lost)
	}

	jobs, err := service.List(ctx, WithStatuses(StatusPending))
	if err != nil || len(jobs) != 1 || jobs[0].ID != "fixed" {
		t.Fatalf("list: %v %v", ids(jobs), err)
	}
}

func TestRunnerRejectsForeignOwner(t *testing.T) {
	key, _ := crypto.GenerateKey()
	signer := account.NewKeySignerFromECDSA(key)
	owner, err := account.NewMultichain(signer, account.ChainConfig{ChainID: testChain, Version: account.V2_1_0})
	if err != nil {
		t.Fatalf("multichain: %v", err)
	}
	relay := simulator.New(simulator.NewLedger())
	ctrl, err := execution.NewController(signer, relay)
	if err != nil {
		t.Fatalf("controller: %v", err)
	}
	runner := NewRunner(owner, supertx.NewPlanner(relay), ctrl, execution.DefaultOptions())

	_, err = runner.Execute(context.Background(), &Job{ID: "x", Owner: "0x0000000000000000000000000000000000000001", Plan: supplyPlan("1")}, nil)
	if !xerrors.HasCode(err, CodeJobValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}

	relay.FailQuotes(errors.New("node offline"))
	_, err = runner.Execute(context.Background(), &Job{ID: "y", Owner: owner.EOA().Hex(), Plan: supplyPlan("1")}, nil)
	if !xerrors.HasCode(err, xerrors.CodeQuoteUnavailable) {
		t.Fatalf("expected quote unavailable, got %v", err)
	}
}

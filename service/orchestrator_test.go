package service

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"testing"
	"time"

	"StoryBeat-server/ledger"
	"StoryBeat-server/models"
	"StoryBeat-server/planner"
	"StoryBeat-server/provider"
	"StoryBeat-server/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// outcome 某个分镜某次提交的脚本化结果；零值表示成功
type outcome struct {
	submitErr error
	failKind  models.ErrorKind
}

type fakeProvider struct {
	mu       sync.Mutex
	outcomes map[int][]outcome
	gates    map[int]chan struct{}
	jobs     map[string]outcome
	jobClip  map[string]int
	submits  []provider.SubmitRequest
	cancels  []string
	seq      int

	// 每个任务先返回几次 running 再结束
	pollsBeforeDone int
	polls           map[string]int
	finished        map[string]bool
	inFlight, peak  int
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{
		outcomes: map[int][]outcome{},
		gates:    map[int]chan struct{}{},
		jobs:     map[string]outcome{},
		jobClip:  map[string]int{},
		polls:    map[string]int{},
		finished: map[string]bool{},
	}
}

func (f *fakeProvider) script(clip int, o ...outcome) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.outcomes[clip] = append(f.outcomes[clip], o...)
}

// hold 让该分镜的轮询一直返回 running，直到返回的函数被调用
func (f *fakeProvider) hold(clip int) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch := make(chan struct{})
	f.gates[clip] = ch
	var once sync.Once
	return func() { once.Do(func() { close(ch) }) }
}

func (f *fakeProvider) Name() string     { return models.ProviderWorker }
func (f *fakeProvider) MaxInFlight() int { return 0 }

func (f *fakeProvider) Submit(_ context.Context, req provider.SubmitRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submits = append(f.submits, req)
	var o outcome
	if q := f.outcomes[req.ClipIndex]; len(q) > 0 {
		o, f.outcomes[req.ClipIndex] = q[0], q[1:]
	}
	if o.submitErr != nil {
		return "", o.submitErr
	}
	f.seq++
	id := fmt.Sprintf("job-%d-%d", req.ClipIndex, f.seq)
	f.jobs[id] = o
	f.jobClip[id] = req.ClipIndex
	f.inFlight++
	f.peak = max(f.peak, f.inFlight)
	return id, nil
}

func (f *fakeProvider) Poll(_ context.Context, jobID string) (provider.PollResult, error) {
	f.mu.Lock()
	o := f.jobs[jobID]
	gate := f.gates[f.jobClip[jobID]]
	f.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		default:
			return provider.PollResult{Status: provider.JobRunning}, nil
		}
	}
	f.mu.Lock()
	if f.polls[jobID] < f.pollsBeforeDone {
		f.polls[jobID]++
		f.mu.Unlock()
		return provider.PollResult{Status: provider.JobRunning}, nil
	}
	if !f.finished[jobID] {
		f.finished[jobID] = true
		f.inFlight--
	}
	f.mu.Unlock()
	if o.failKind != "" {
		return provider.PollResult{Status: provider.JobFailed, ErrorKind: o.failKind, Message: "scripted failure"}, nil
	}
	return provider.PollResult{
		Status:          provider.JobSucceeded,
		ResultURL:       "https://cdn.example.com/" + jobID + ".mp4",
		FinalFrameURL:   "https://cdn.example.com/" + jobID + ".png",
		DurationSeconds: 5,
	}, nil
}

func (f *fakeProvider) Cancel(_ context.Context, jobID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancels = append(f.cancels, jobID)
	return true, nil
}

func (f *fakeProvider) peakInFlight() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.peak
}

func (f *fakeProvider) submittedClips() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]int, len(f.submits))
	for i, s := range f.submits {
		out[i] = s.ClipIndex
	}
	return out
}

func (f *fakeProvider) submitFor(clip int) []provider.SubmitRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []provider.SubmitRequest
	for _, s := range f.submits {
		if s.ClipIndex == clip {
			out = append(out, s)
		}
	}
	return out
}

type harness struct {
	orch    *Orchestrator
	store   *store.Store
	ledger  *ledger.MemoryLedger
	fake    *fakeProvider
	balance int64
}

func testOptions() Options {
	return Options{
		MaxRetries:           3,
		BackoffBase:          time.Millisecond,
		BackoffMax:           4 * time.Millisecond,
		PollInterval:         time.Millisecond,
		DefaultJobTimeout:    2 * time.Second,
		ReconcileLateResults: true,
	}
}

func newHarness(t *testing.T, balance int64, opts Options, limits provider.Limits) *harness {
	t.Helper()
	h := &harness{
		store:   store.New(store.NewMemoryBackend()),
		ledger:  ledger.NewMemoryLedger(),
		fake:    newFakeProvider(),
		balance: balance,
	}
	require.NoError(t, h.ledger.Deposit(context.Background(), "acct", balance))
	reg := provider.NewRegistry()
	reg.Register(h.fake, limits)
	h.orch = NewOrchestrator(h.store, h.ledger, reg, opts)

	ctx, cancel := context.WithCancel(context.Background())
	sched := NewLocalScheduler(4, 64)
	h.orch.SetScheduler(sched)
	sched.Start(ctx, h.orch.RunClip)
	t.Cleanup(func() {
		cancel()
		_ = sched.Wait()
	})
	return h
}

func testPlan(beatID string, clips int, cost int64, chained bool) models.CompositionPlan {
	tpl := models.CompositionTemplate{ID: "montage-n", ClipCount: clips}
	plan := models.CompositionPlan{
		ID:     "plan-" + beatID,
		BeatID: beatID,
		Settings: models.GenerationSettings{DurationSeconds: 5, Resolution: "720p",
			Provider: models.ProviderWorker, UseVideoChaining: chained},
	}
	for i := 0; i < clips; i++ {
		tpl.Positions = append(tpl.Positions, models.ClipPosition{Index: i, Label: fmt.Sprintf("shot %d", i), Kind: models.ClipKindBRoll})
		plan.Assignments = append(plan.Assignments, models.CharacterAssignment{ClipIndex: i, Prompt: fmt.Sprintf("prompt %d", i), EstimatedCredits: cost})
		plan.EstimatedCredits += cost
	}
	plan.Template = tpl
	return plan
}

func (h *harness) get(t *testing.T, id string) *models.StoryBeatProduction {
	t.Helper()
	p, err := h.store.Get(context.Background(), id)
	require.NoError(t, err)
	return p
}

func (h *harness) waitStatus(t *testing.T, id string, status models.ProductionStatus) *models.StoryBeatProduction {
	t.Helper()
	require.Eventually(t, func() bool {
		p, err := h.store.Get(context.Background(), id)
		return err == nil && p.Status == status && p.Terminal()
	}, 3*time.Second, 2*time.Millisecond, "production never reached %s", status)
	return h.get(t, id)
}

// assertConserved 账户总额不变；所有分配关闭后预留平衡
func (h *harness) assertConserved(t *testing.T, p *models.StoryBeatProduction) {
	t.Helper()
	ctx := context.Background()
	acc, err := h.ledger.Account(ctx, "acct")
	require.NoError(t, err)
	assert.Equal(t, h.balance, acc.Available+acc.Reserved+acc.Spent)

	res, err := h.ledger.Reservation(ctx, p.ReservationID)
	require.NoError(t, err)
	for _, a := range res.Clips {
		assert.NotEqual(t, models.CreditOpen, a.State, "clip %d allocation still open", a.ClipIndex)
	}
	assert.True(t, res.Balanced(), "reserved %d settled %d refunded %d", res.Reserved, res.Settled, res.Refunded)
	assert.Equal(t, res.Settled, p.ActualCreditsUsed-lateCharges(p))
}

// waitSettled 等到所有分镜结束且额度对账完成
func (h *harness) waitSettled(t *testing.T, id string) *models.StoryBeatProduction {
	t.Helper()
	ctx := context.Background()
	assert.Eventually(t, func() bool {
		p, err := h.store.Get(ctx, id)
		if err != nil || !p.Terminal() || p.Status == models.ProductionGenerating || p.Status == models.ProductionPlanning {
			return false
		}
		res, err := h.ledger.Reservation(ctx, p.ReservationID)
		if err != nil || !res.Balanced() {
			return false
		}
		for _, a := range res.Clips {
			if a.State == models.CreditOpen {
				return false
			}
		}
		return res.Settled == p.ActualCreditsUsed-lateCharges(p)
	}, 3*time.Second, 2*time.Millisecond, "production %s never settled", id)
	return h.get(t, id)
}

func lateCharges(p *models.StoryBeatProduction) int64 {
	var n int64
	for _, c := range p.Clips {
		if c.LateResult != nil {
			n += c.LateResult.ChargedAmount
		}
	}
	return n
}

func transient(kind models.ErrorKind) outcome {
	return outcome{submitErr: &models.ProviderTransientError{Provider: "worker", Kind: kind, Err: errors.New("scripted")}}
}

func permanent(kind models.ErrorKind) outcome {
	return outcome{submitErr: &models.ProviderPermanentError{Provider: "worker", Kind: kind, Err: errors.New("scripted")}}
}

func TestStartProduction_AllClipsSucceed(t *testing.T) {
	h := newHarness(t, 100, testOptions(), provider.Limits{})
	ctx := context.Background()

	id, err := h.orch.StartProduction(ctx, "acct", testPlan("beat-a", 3, 10, false))
	require.NoError(t, err)

	p := h.waitStatus(t, id, models.ProductionReady)
	assert.Equal(t, 100, p.Progress)
	assert.Equal(t, int64(30), p.EstimatedCredits)
	assert.Equal(t, int64(30), p.ActualCreditsUsed)
	assert.Empty(t, p.FailedClips())
	for _, c := range p.Clips {
		assert.Equal(t, models.ClipStateSucceeded, c.State)
		assert.Equal(t, models.CreditSettled, c.Credit)
		assert.Equal(t, int64(10), c.CreditsUsed)
		require.NotNil(t, c.Result)
		assert.NotEmpty(t, c.Result.VideoURL)
		assert.Equal(t, 1, c.Attempts)
	}
	h.assertConserved(t, p)

	acc, _ := h.ledger.Account(ctx, "acct")
	assert.Equal(t, int64(70), acc.Available)
	assert.Equal(t, int64(30), acc.Spent)
}

func TestStartProduction_InsufficientCreditsDispatchesNothing(t *testing.T) {
	h := newHarness(t, 20, testOptions(), provider.Limits{})
	ctx := context.Background()

	_, err := h.orch.StartProduction(ctx, "acct", testPlan("beat-b", 3, 10, false))
	var ice *models.InsufficientCreditsError
	require.True(t, errors.As(err, &ice), "got %v", err)
	assert.Equal(t, int64(30), ice.Required)

	list, err := h.store.ListForBeat(ctx, "beat-b")
	require.NoError(t, err)
	assert.Empty(t, list)
	assert.Empty(t, h.fake.submittedClips())

	acc, _ := h.ledger.Account(ctx, "acct")
	assert.Equal(t, int64(20), acc.Available)
}

func TestStartProduction_RejectsInvalidPlan(t *testing.T) {
	h := newHarness(t, 100, testOptions(), provider.Limits{})
	plan := testPlan("beat-c", 2, 10, false)
	plan.EstimatedCredits = 999

	_, err := h.orch.StartProduction(context.Background(), "acct", plan)
	var ite *models.InvalidTemplateError
	assert.True(t, errors.As(err, &ite))

	plan = testPlan("beat-c", 2, 10, false)
	plan.Settings.Provider = "sora"
	_, err = h.orch.StartProduction(context.Background(), "acct", plan)
	assert.Error(t, err)

	acc, _ := h.ledger.Account(context.Background(), "acct")
	assert.Equal(t, int64(100), acc.Available)
}

func TestPartialFailureThenRegenerate(t *testing.T) {
	h := newHarness(t, 100, testOptions(), provider.Limits{})
	ctx := context.Background()
	h.fake.script(1, permanent(models.ErrorKindContentRejected))

	id, err := h.orch.StartProduction(ctx, "acct", testPlan("beat-d", 3, 10, false))
	require.NoError(t, err)

	p := h.waitStatus(t, id, models.ProductionPartialFailed)
	assert.Equal(t, 100, p.Progress)
	failed := p.FailedClips()
	require.Len(t, failed, 1)
	assert.Equal(t, 1, failed[0].ClipIndex)
	assert.Equal(t, models.ErrorKindContentRejected, failed[0].Kind)
	assert.Equal(t, models.CreditRefunded, p.Clips[1].Credit)
	assert.Equal(t, int64(20), p.ActualCreditsUsed)
	assert.Zero(t, p.Clips[1].Retries, "permanent errors are not retried")
	h.assertConserved(t, p)

	assert.ErrorIs(t, h.orch.RegenerateClip(ctx, id, 0), models.ErrClipNotRegenerable)
	require.NoError(t, h.orch.RegenerateClip(ctx, id, 1))

	p = h.waitStatus(t, id, models.ProductionReady)
	assert.Equal(t, 1, p.Clips[1].Generation)
	assert.Equal(t, int64(30), p.ActualCreditsUsed)
	h.assertConserved(t, p)

	res, _ := h.ledger.Reservation(ctx, p.ReservationID)
	assert.Equal(t, int64(40), res.Reserved)
	assert.Equal(t, int64(30), res.Settled)
	assert.Equal(t, int64(10), res.Refunded)
}

func TestTransientErrorsAreRetried(t *testing.T) {
	h := newHarness(t, 100, testOptions(), provider.Limits{})
	ctx := context.Background()
	h.fake.script(0, transient(models.ErrorKindRateLimited), transient(models.ErrorKindProviderUnavailable))

	id, err := h.orch.StartProduction(ctx, "acct", testPlan("beat-e", 1, 10, false))
	require.NoError(t, err)

	p := h.waitStatus(t, id, models.ProductionReady)
	c := p.Clips[0]
	assert.Equal(t, models.ClipStateSucceeded, c.State)
	assert.Equal(t, 2, c.Retries)
	assert.Equal(t, 3, c.Attempts)
	assert.Nil(t, c.Error)
	assert.Equal(t, 2, p.TotalRetries())
	h.assertConserved(t, p)
}

func TestRetriesAreBounded(t *testing.T) {
	h := newHarness(t, 100, testOptions(), provider.Limits{})
	ctx := context.Background()
	h.fake.script(0,
		transient(models.ErrorKindNetwork), transient(models.ErrorKindNetwork),
		transient(models.ErrorKindNetwork), transient(models.ErrorKindNetwork),
		outcome{}, // 不应到达
	)

	id, err := h.orch.StartProduction(ctx, "acct", testPlan("beat-f", 1, 10, false))
	require.NoError(t, err)

	p := h.waitStatus(t, id, models.ProductionPartialFailed)
	c := p.Clips[0]
	assert.Equal(t, models.ClipStateFailedPermanent, c.State)
	assert.Equal(t, 3, c.Retries)
	assert.Equal(t, 4, c.Attempts)
	require.NotNil(t, c.Error)
	assert.Equal(t, models.ErrorKindNetwork, c.Error.Kind)
	assert.Len(t, h.fake.submittedClips(), 4)
	h.assertConserved(t, p)
}

func TestJobTimeoutIsTransient(t *testing.T) {
	opts := testOptions()
	opts.DefaultJobTimeout = 20 * time.Millisecond
	opts.MaxRetries = 1
	h := newHarness(t, 100, opts, provider.Limits{})
	release := h.fake.hold(0)
	defer release()

	id, err := h.orch.StartProduction(context.Background(), "acct", testPlan("beat-g", 1, 10, false))
	require.NoError(t, err)

	p := h.waitStatus(t, id, models.ProductionPartialFailed)
	c := p.Clips[0]
	assert.Equal(t, 1, c.Retries)
	assert.Equal(t, 2, c.Attempts)
	require.NotNil(t, c.Error)
	assert.Equal(t, models.ErrorKindTimeout, c.Error.Kind)
	require.Eventually(t, func() bool {
		h.fake.mu.Lock()
		defer h.fake.mu.Unlock()
		return len(h.fake.cancels) >= 1
	}, time.Second, 2*time.Millisecond, "timed out jobs are cancelled at the provider")
	h.assertConserved(t, p)
}

func TestChainedDispatchIsSequential(t *testing.T) {
	h := newHarness(t, 100, testOptions(), provider.Limits{})

	id, err := h.orch.StartProduction(context.Background(), "acct", testPlan("beat-h", 3, 10, true))
	require.NoError(t, err)

	p := h.waitStatus(t, id, models.ProductionReady)
	assert.Equal(t, []int{0, 1, 2}, h.fake.submittedClips())

	first := h.fake.submitFor(0)[0]
	assert.Empty(t, first.ContinuationFrameURL)
	second := h.fake.submitFor(1)[0]
	assert.Equal(t, p.Clips[0].Result.FinalFrameURL, second.ContinuationFrameURL)
	assert.True(t, strings.HasSuffix(second.Prompt, planner.ContinuationHint))

	for i := 1; i < len(p.Clips); i++ {
		assert.False(t, p.Clips[i].DispatchedAt.Before(*p.Clips[i-1].CompletedAt),
			"clip %d dispatched before clip %d completed", i, i-1)
	}
	h.assertConserved(t, p)
}

func TestChainedFailureBlocksLaterClipsUntilRegenerated(t *testing.T) {
	h := newHarness(t, 100, testOptions(), provider.Limits{})
	ctx := context.Background()
	h.fake.script(1, outcome{failKind: models.ErrorKindInvalidReference})

	id, err := h.orch.StartProduction(ctx, "acct", testPlan("beat-i", 3, 10, true))
	require.NoError(t, err)

	p := h.waitStatus(t, id, models.ProductionPartialFailed)
	assert.Equal(t, models.ClipStateSucceeded, p.Clips[0].State)
	assert.Equal(t, models.ErrorKindInvalidReference, p.Clips[1].Error.Kind)
	assert.Equal(t, models.ClipStateFailedPermanent, p.Clips[2].State)
	assert.Equal(t, models.ErrorKindUpstreamFailed, p.Clips[2].Error.Kind)
	assert.Equal(t, models.CreditRefunded, p.Clips[2].Credit)
	assert.Equal(t, []int{0, 1}, h.fake.submittedClips())
	h.assertConserved(t, p)

	assert.ErrorIs(t, h.orch.RegenerateClip(ctx, id, 2), models.ErrChainPredecessor)
	require.NoError(t, h.orch.RegenerateClip(ctx, id, 1))

	p = h.waitStatus(t, id, models.ProductionReady)
	assert.Equal(t, []int{0, 1, 1, 2}, h.fake.submittedClips())
	assert.Equal(t, 1, p.Clips[2].Generation)
	h.assertConserved(t, p)
}

func TestRegenerateSerializesConcurrentCalls(t *testing.T) {
	h := newHarness(t, 100, testOptions(), provider.Limits{})
	ctx := context.Background()
	h.fake.script(0, permanent(models.ErrorKindInvalidRequest))

	id, err := h.orch.StartProduction(ctx, "acct", testPlan("beat-j", 1, 10, false))
	require.NoError(t, err)
	h.waitStatus(t, id, models.ProductionPartialFailed)

	release := h.fake.hold(0)
	var wg sync.WaitGroup
	errs := make([]error, 5)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = h.orch.RegenerateClip(ctx, id, 0)
		}(i)
	}
	wg.Wait()

	ok := 0
	for _, err := range errs {
		if err == nil {
			ok++
			continue
		}
		assert.ErrorIs(t, err, models.ErrClipBusy)
	}
	assert.Equal(t, 1, ok)

	release()
	p := h.waitStatus(t, id, models.ProductionReady)
	assert.Equal(t, 1, p.Clips[0].Generation)
	h.assertConserved(t, p)

	res, _ := h.ledger.Reservation(ctx, p.ReservationID)
	assert.Equal(t, int64(20), res.Reserved, "only one extension")
}

func TestCancelRefundsAndReconcilesLateResult(t *testing.T) {
	h := newHarness(t, 100, testOptions(), provider.Limits{MaxInFlight: 1})
	ctx := context.Background()
	release0 := h.fake.hold(0)
	release1 := h.fake.hold(1)

	id, err := h.orch.StartProduction(ctx, "acct", testPlan("beat-k", 2, 10, false))
	require.NoError(t, err)

	var dispatched int
	require.Eventually(t, func() bool {
		p, err := h.store.Get(ctx, id)
		if err != nil {
			return false
		}
		for _, c := range p.Clips {
			if c.State == models.ClipStateDispatched && c.ProviderJobID != "" {
				dispatched = c.ClipIndex
				return true
			}
		}
		return false
	}, time.Second, 2*time.Millisecond)
	queued := 1 - dispatched

	require.NoError(t, h.orch.CancelProduction(ctx, id))
	require.NoError(t, h.orch.CancelProduction(ctx, id), "cancel is idempotent")

	p := h.get(t, id)
	assert.True(t, p.Cancelled)
	assert.Equal(t, models.ClipStateFailedPermanent, p.Clips[queued].State)
	assert.Equal(t, models.ErrorKindCancelled, p.Clips[queued].Error.Kind)
	assert.Equal(t, models.ClipStateDispatched, p.Clips[dispatched].State)
	assert.True(t, p.Clips[dispatched].RefundedOnCancel)

	acc, _ := h.ledger.Account(ctx, "acct")
	assert.Equal(t, int64(100), acc.Available, "everything refunded optimistically")

	assert.ErrorIs(t, h.orch.RegenerateClip(ctx, id, queued), models.ErrProductionCancelled)

	release0()
	release1()
	p = h.waitStatus(t, id, models.ProductionPartialFailed)
	late := p.Clips[dispatched].LateResult
	require.NotNil(t, late)
	assert.True(t, late.Succeeded)
	assert.Equal(t, int64(10), late.ChargedAmount)
	assert.Equal(t, int64(10), p.ActualCreditsUsed)

	acc, _ = h.ledger.Account(ctx, "acct")
	assert.Equal(t, int64(90), acc.Available)
	assert.Equal(t, int64(10), acc.Spent)
	h.assertConserved(t, p)
}

func TestLateResultWithoutReconciliation(t *testing.T) {
	opts := testOptions()
	opts.ReconcileLateResults = false
	h := newHarness(t, 100, opts, provider.Limits{})
	ctx := context.Background()
	release := h.fake.hold(0)

	id, err := h.orch.StartProduction(ctx, "acct", testPlan("beat-l", 1, 10, false))
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		p, err := h.store.Get(ctx, id)
		return err == nil && p.Clips[0].ProviderJobID != ""
	}, time.Second, 2*time.Millisecond)

	require.NoError(t, h.orch.CancelProduction(ctx, id))
	release()

	p := h.waitStatus(t, id, models.ProductionReady)
	require.NotNil(t, p.Clips[0].LateResult)
	assert.Zero(t, p.Clips[0].LateResult.ChargedAmount)
	acc, _ := h.ledger.Account(ctx, "acct")
	assert.Equal(t, int64(100), acc.Available)
	h.assertConserved(t, p)
}

func TestTimelineCompletionAndRating(t *testing.T) {
	h := newHarness(t, 100, testOptions(), provider.Limits{})
	ctx := context.Background()

	id, err := h.orch.StartProduction(ctx, "acct", testPlan("beat-m", 2, 10, false))
	require.NoError(t, err)
	h.waitStatus(t, id, models.ProductionReady)

	_, err = h.orch.CompleteProduction(ctx, id)
	assert.ErrorIs(t, err, models.ErrInvalidTransition)

	p, err := h.orch.RateClip(ctx, id, 1, 2, true)
	require.NoError(t, err)
	assert.Equal(t, 2, p.Clips[1].Rating)
	assert.True(t, p.Clips[1].NeedsRegeneration)
	_, err = h.orch.RateClip(ctx, id, 1, 9, false)
	assert.Error(t, err)
	_, err = h.orch.RateClip(ctx, id, 7, 3, false)
	assert.ErrorIs(t, err, models.ErrNotFound)

	p, err = h.orch.AddToTimeline(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.ProductionInTimeline, p.Status)
	p, err = h.orch.CompleteProduction(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.ProductionCompleted, p.Status)

	assert.ErrorIs(t, h.orch.CancelProduction(ctx, id), models.ErrInvalidTransition)
}

func TestNewProductionSupersedesOlder(t *testing.T) {
	h := newHarness(t, 100, testOptions(), provider.Limits{})
	ctx := context.Background()

	first, err := h.orch.StartProduction(ctx, "acct", testPlan("beat-n", 1, 10, false))
	require.NoError(t, err)
	h.waitStatus(t, first, models.ProductionReady)

	second, err := h.orch.StartProduction(ctx, "acct", testPlan("beat-n", 1, 10, false))
	require.NoError(t, err)
	h.waitStatus(t, second, models.ProductionReady)

	assert.Equal(t, second, h.get(t, first).SupersededBy)
	assert.Empty(t, h.get(t, second).SupersededBy)
}

type recordingScheduler struct {
	mu   sync.Mutex
	jobs []ClipJob
}

func (r *recordingScheduler) Schedule(_ context.Context, job ClipJob) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs = append(r.jobs, job)
	return nil
}

func TestRecoverReschedulesUnfinishedClips(t *testing.T) {
	h := newHarness(t, 100, testOptions(), provider.Limits{})
	ctx := context.Background()

	// 模拟进程在派发前退出：任务只进了一个不会执行的调度器
	rec := &recordingScheduler{}
	h.orch.SetScheduler(rec)
	id, err := h.orch.StartProduction(ctx, "acct", testPlan("beat-o", 2, 10, false))
	require.NoError(t, err)
	assert.Len(t, rec.jobs, 2)

	sched := NewLocalScheduler(2, 8)
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	h.orch.SetScheduler(sched)
	sched.Start(runCtx, h.orch.RunClip)

	require.NoError(t, h.orch.Recover(ctx))
	p := h.waitStatus(t, id, models.ProductionReady)
	h.assertConserved(t, p)
}

func TestActualCost(t *testing.T) {
	assert.Equal(t, int64(10), actualCost(10, 5, 5))
	assert.Equal(t, int64(10), actualCost(10, 5, 0))
	assert.Equal(t, int64(10), actualCost(10, 5, 7.5))
	assert.Equal(t, int64(6), actualCost(10, 5, 2.9)) // ceil(5.8)
}

func TestLocalSchedulerDedupesPendingJobs(t *testing.T) {
	s := NewLocalScheduler(1, 4)
	job := ClipJob{ProductionID: "p", ClipIndex: 0}
	require.NoError(t, s.Schedule(context.Background(), job))
	require.NoError(t, s.Schedule(context.Background(), job))
	assert.Len(t, s.jobs, 1)

	require.NoError(t, s.Schedule(context.Background(), ClipJob{ProductionID: "p", ClipIndex: 0, Generation: 1}))
	assert.Len(t, s.jobs, 2)
	assert.Equal(t, "clip:p:0:0", job.key())
}

func TestStartProduction_RecomputesClipCosts(t *testing.T) {
	h := newHarness(t, 100, testOptions(), provider.Limits{})
	ctx := context.Background()

	// 客户端把单价改小，总额仍自洽
	_, err := h.orch.StartProduction(ctx, "acct", testPlan("beat-v", 2, 1, false))
	var ite *models.InvalidTemplateError
	require.True(t, errors.As(err, &ite), "got %v", err)
	assert.Equal(t, 0, ite.ClipIndex)

	plan := testPlan("beat-v", 2, 10, false)
	plan.Settings.Resolution = "8k"
	_, err = h.orch.StartProduction(ctx, "acct", plan)
	require.True(t, errors.As(err, &ite), "got %v", err)
	assert.Equal(t, -1, ite.ClipIndex)

	acc, _ := h.ledger.Account(ctx, "acct")
	assert.Equal(t, int64(100), acc.Available)
	assert.Zero(t, acc.Reserved)
	assert.Empty(t, h.fake.submittedClips())
	list, err := h.store.ListForBeat(ctx, "beat-v")
	require.NoError(t, err)
	assert.Empty(t, list)

	h.orch.SetPricing(planner.Pricing{
		PerSecond:            map[string]float64{models.ProviderWorker: 4},
		ResolutionMultiplier: map[string]float64{"720p": 1},
	})
	id, err := h.orch.StartProduction(ctx, "acct", testPlan("beat-v", 2, 20, false))
	require.NoError(t, err)
	p := h.waitStatus(t, id, models.ProductionReady)
	assert.Equal(t, int64(40), p.ActualCreditsUsed)
	h.assertConserved(t, p)
}

type failingUpdateBackend struct {
	*store.MemoryBackend
}

func (failingUpdateBackend) Update(context.Context, string, func(*models.StoryBeatProduction) error) (*models.StoryBeatProduction, error) {
	return nil, errors.New("database unavailable")
}

func TestStartProduction_RefundsWhenActivationFails(t *testing.T) {
	h := newHarness(t, 100, testOptions(), provider.Limits{})
	ctx := context.Background()
	reg := provider.NewRegistry()
	reg.Register(h.fake, provider.Limits{})
	orch := NewOrchestrator(store.New(failingUpdateBackend{store.NewMemoryBackend()}), h.ledger, reg, testOptions())
	rec := &recordingScheduler{}
	orch.SetScheduler(rec)

	_, err := orch.StartProduction(ctx, "acct", testPlan("beat-u", 2, 10, false))
	require.Error(t, err)

	acc, err := h.ledger.Account(ctx, "acct")
	require.NoError(t, err)
	assert.Equal(t, int64(100), acc.Available)
	assert.Zero(t, acc.Reserved)
	assert.Zero(t, acc.Spent)
	assert.Empty(t, rec.jobs)
}

func TestRegeneratedClipGetsFreshRetries(t *testing.T) {
	h := newHarness(t, 100, testOptions(), provider.Limits{})
	ctx := context.Background()
	flaky := transient(models.ErrorKindNetwork)
	h.fake.script(0, flaky, flaky, flaky, flaky)

	id, err := h.orch.StartProduction(ctx, "acct", testPlan("beat-s", 1, 10, false))
	require.NoError(t, err)
	p := h.waitStatus(t, id, models.ProductionPartialFailed)
	require.Equal(t, 3, p.Clips[0].Retries)

	h.fake.script(0, flaky)
	require.NoError(t, h.orch.RegenerateClip(ctx, id, 0))

	p = h.waitStatus(t, id, models.ProductionReady)
	c := p.Clips[0]
	assert.Equal(t, models.ClipStateSucceeded, c.State)
	assert.Equal(t, 1, c.Retries)
	assert.Equal(t, 3, c.HistoricRetries)
	assert.Equal(t, 6, c.Attempts)
	assert.Equal(t, 4, p.TotalRetries())
	h.assertConserved(t, p)
}

func TestTimelineRegenerationBlocksCompletion(t *testing.T) {
	h := newHarness(t, 100, testOptions(), provider.Limits{})
	ctx := context.Background()
	h.fake.script(1, permanent(models.ErrorKindContentRejected))

	id, err := h.orch.StartProduction(ctx, "acct", testPlan("beat-t", 2, 10, false))
	require.NoError(t, err)
	h.waitStatus(t, id, models.ProductionPartialFailed)
	_, err = h.orch.AddToTimeline(ctx, id)
	require.NoError(t, err)

	release := h.fake.hold(1)
	defer release()
	require.NoError(t, h.orch.RegenerateClip(ctx, id, 1))

	_, err = h.orch.CompleteProduction(ctx, id)
	assert.ErrorIs(t, err, models.ErrClipBusy)

	// 进程重启后仍要接手这个分镜
	list, err := h.store.ListUnfinished(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, id, list[0].ID)

	release()
	p := h.waitStatus(t, id, models.ProductionInTimeline)
	assert.Equal(t, models.ClipStateSucceeded, p.Clips[1].State)
	p, err = h.orch.CompleteProduction(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.ProductionCompleted, p.Status)
	h.assertConserved(t, p)
}

func TestProviderConcurrencyIsBounded(t *testing.T) {
	h := newHarness(t, 100, testOptions(), provider.Limits{MaxInFlight: 2})
	h.fake.mu.Lock()
	h.fake.pollsBeforeDone = 3
	h.fake.mu.Unlock()

	id, err := h.orch.StartProduction(context.Background(), "acct", testPlan("beat-q", 6, 10, false))
	require.NoError(t, err)

	p := h.waitStatus(t, id, models.ProductionReady)
	assert.LessOrEqual(t, h.fake.peakInFlight(), 2)
	assert.Positive(t, h.fake.peakInFlight())
	assert.Len(t, h.fake.submittedClips(), 6)
	h.assertConserved(t, p)
}

func TestCreditsConservedAcrossOutcomeOrders(t *testing.T) {
	outcomes := []outcome{
		{},
		transient(models.ErrorKindNetwork),
		transient(models.ErrorKindRateLimited),
		permanent(models.ErrorKindContentRejected),
		{failKind: models.ErrorKindProviderUnavailable},
		{failKind: models.ErrorKindContentRejected},
	}
	for seed := int64(1); seed <= 16; seed++ {
		t.Run(fmt.Sprintf("seed-%d", seed), func(t *testing.T) {
			rng := rand.New(rand.NewSource(seed))
			h := newHarness(t, 200, testOptions(), provider.Limits{MaxInFlight: 1 + rng.Intn(3)})
			ctx := context.Background()

			clips := 2 + rng.Intn(4)
			for i := 0; i < clips; i++ {
				for n := rng.Intn(5); n > 0; n-- {
					h.fake.script(i, outcomes[rng.Intn(len(outcomes))])
				}
			}
			h.fake.mu.Lock()
			h.fake.pollsBeforeDone = rng.Intn(3)
			h.fake.mu.Unlock()
			chained := rng.Intn(2) == 0
			cancelAfter := time.Duration(-1)
			if rng.Intn(3) == 0 {
				cancelAfter = time.Duration(rng.Intn(6)) * time.Millisecond
			}

			id, err := h.orch.StartProduction(ctx, "acct", testPlan(fmt.Sprintf("beat-r%d", seed), clips, 10, chained))
			require.NoError(t, err)
			if cancelAfter >= 0 {
				time.Sleep(cancelAfter)
				require.NoError(t, h.orch.CancelProduction(ctx, id))
			}

			p := h.waitSettled(t, id)
			h.assertConserved(t, p)
		})
	}
}

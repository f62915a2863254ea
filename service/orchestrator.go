package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"StoryBeat-server/ledger"
	"StoryBeat-server/models"
	"StoryBeat-server/planner"
	"StoryBeat-server/provider"
	"StoryBeat-server/store"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
)

// Options 重试、轮询与对账策略
type Options struct {
	MaxRetries           int           // 可重试错误的最大重试次数
	BackoffBase          time.Duration // 第一次重试前的等待
	BackoffMax           time.Duration
	PollInterval         time.Duration
	DefaultJobTimeout    time.Duration // GenerationSettings 未给出超时时使用
	ReconcileLateResults bool          // 取消后迟到的成功结果是否补扣额度
}

func DefaultOptions() Options {
	return Options{
		MaxRetries:           3,
		BackoffBase:          2 * time.Second,
		BackoffMax:           30 * time.Second,
		PollInterval:         3 * time.Second,
		DefaultJobTimeout:    10 * time.Minute,
		ReconcileLateResults: true,
	}
}

// Archiver 把供应商结果转存到自有存储，返回新的访问地址
type Archiver interface {
	Archive(ctx context.Context, productionID string, clipIndex int, res provider.PollResult) (string, error)
}

// Orchestrator 分镜生成编排：预留额度、派发、轮询、重试、结算
type Orchestrator struct {
	store     *store.Store
	ledger    ledger.Ledger
	providers *provider.Registry
	archiver  Archiver
	scheduler Scheduler
	pricing   planner.Pricing
	opts      Options

	regenMu    sync.Mutex
	regenLocks map[string]*sync.Mutex
}

func NewOrchestrator(st *store.Store, l ledger.Ledger, providers *provider.Registry, opts Options) *Orchestrator {
	return &Orchestrator{
		store:      st,
		ledger:     l,
		providers:  providers,
		pricing:    planner.DefaultPricing(),
		opts:       opts,
		regenLocks: make(map[string]*sync.Mutex),
	}
}

// SetScheduler 调度器需要回调 RunClip，所以在构造之后注入
func (o *Orchestrator) SetScheduler(s Scheduler) {
	o.scheduler = s
}

// SetPricing 与规划器使用同一份价格表
func (o *Orchestrator) SetPricing(p planner.Pricing) {
	o.pricing = p
}

// SetArchiver 可选
func (o *Orchestrator) SetArchiver(a Archiver) {
	o.archiver = a
}

var (
	errStale     = errors.New("clip job is stale")
	errExhausted = errors.New("retries exhausted")
)

// StartProduction 校验计划、预留额度、创建 production 并派发分镜
func (o *Orchestrator) StartProduction(ctx context.Context, accountID string, plan models.CompositionPlan) (string, error) {
	if err := plan.Validate(); err != nil {
		return "", err
	}
	if _, err := o.providers.Get(plan.Settings.Provider); err != nil {
		return "", err
	}
	if err := o.checkCosts(plan); err != nil {
		return "", err
	}

	productionID := uuid.NewString()
	reservationID, err := o.ledger.Reserve(ctx, accountID, productionID, plan.ClipCosts())
	if err != nil {
		return "", err
	}

	p := &models.StoryBeatProduction{
		ID:               productionID,
		BeatID:           plan.BeatID,
		AccountID:        accountID,
		ReservationID:    reservationID,
		Plan:             plan,
		Status:           models.ProductionPlanning,
		EstimatedCredits: plan.EstimatedCredits,
		Clips:            make(models.ClipList, plan.Template.ClipCount),
	}
	for i := range p.Clips {
		a, _ := plan.Assignment(i)
		p.Clips[i] = models.GeneratedClip{
			ID:               uuid.NewString(),
			ProductionID:     productionID,
			ClipIndex:        i,
			CharacterID:      a.CharacterID,
			ReferenceID:      a.ReferenceID,
			State:            models.ClipStateQueued,
			EstimatedCredits: a.EstimatedCredits,
			Credit:           models.CreditOpen,
		}
	}
	if err := o.store.Create(ctx, p); err != nil {
		o.refundAll(ctx, p)
		return "", err
	}
	if _, err := o.store.Update(ctx, productionID, func(p *models.StoryBeatProduction) error {
		if err := p.Transition(models.ProductionGenerating); err != nil {
			return err
		}
		p.Recompute()
		return nil
	}); err != nil {
		o.refundAll(ctx, p)
		return "", err
	}
	slog.Info("Production started", "production", productionID, "beat", plan.BeatID, "clips", len(p.Clips),
		"provider", plan.Settings.Provider, "chained", plan.Settings.UseVideoChaining, "credits", plan.EstimatedCredits)

	o.supersedeOlder(ctx, plan.BeatID, productionID)

	if plan.Settings.UseVideoChaining {
		o.schedule(ctx, ClipJob{ProductionID: productionID, ClipIndex: 0})
	} else {
		for i := range p.Clips {
			o.schedule(ctx, ClipJob{ProductionID: productionID, ClipIndex: i})
		}
	}
	return productionID, nil
}

// checkCosts 按服务端价格表核对每个分镜的预估额度
func (o *Orchestrator) checkCosts(plan models.CompositionPlan) error {
	cost, err := o.pricing.ClipCost(plan.Settings.Provider, plan.Settings.DurationSeconds, plan.Settings.Resolution)
	if err != nil {
		return &models.InvalidTemplateError{TemplateID: plan.Template.ID, ClipIndex: -1, Reason: err.Error()}
	}
	for _, a := range plan.Assignments {
		if a.EstimatedCredits != cost {
			return &models.InvalidTemplateError{TemplateID: plan.Template.ID, ClipIndex: a.ClipIndex,
				Reason: fmt.Sprintf("estimated credits %d do not match price %d", a.EstimatedCredits, cost)}
		}
	}
	return nil
}

func (o *Orchestrator) refundAll(ctx context.Context, p *models.StoryBeatProduction) {
	for _, c := range p.Clips {
		if err := o.ledger.Refund(ctx, p.ReservationID, c.ClipIndex, c.EstimatedCredits); err != nil && !errors.Is(err, models.ErrAllocationClosed) {
			slog.Error("Refund failed", "production", p.ID, "clip", c.ClipIndex, "error", err)
		}
	}
}

func (o *Orchestrator) supersedeOlder(ctx context.Context, beatID, productionID string) {
	others, err := o.store.ListForBeat(ctx, beatID)
	if err != nil {
		slog.Warn("List productions for beat failed", "beat", beatID, "error", err)
		return
	}
	for _, other := range others {
		if other.ID == productionID || other.SupersededBy != "" {
			continue
		}
		if _, err := o.store.Update(ctx, other.ID, func(p *models.StoryBeatProduction) error {
			p.SupersededBy = productionID
			return nil
		}); err != nil {
			slog.Warn("Mark production superseded failed", "production", other.ID, "error", err)
		}
	}
}

// schedule 派发失败时该分镜直接永久失败并退款
func (o *Orchestrator) schedule(ctx context.Context, job ClipJob) {
	if o.scheduler == nil {
		o.fail(ctx, job, models.ErrorKindUnknown, "no scheduler configured")
		return
	}
	if err := o.scheduler.Schedule(ctx, job); err != nil {
		slog.Error("Schedule clip failed", "production", job.ProductionID, "clip", job.ClipIndex, "error", err)
		o.fail(ctx, job, models.ErrorKindUnknown, fmt.Sprintf("schedule failed: %v", err))
	}
}

func (o *Orchestrator) newBackoff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = o.opts.BackoffBase
	b.MaxInterval = o.opts.BackoffMax
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// RunClip 执行一个分镜任务直到成功、永久失败或 ctx 结束。可重试错误在这里按退避重试。
// ctx 结束时分镜保持当前状态，由 Recover 在下次启动时接手。
func (o *Orchestrator) RunClip(ctx context.Context, job ClipJob) error {
	b := o.newBackoff()
	resume := job.Resume
	for {
		retry, err := o.attempt(ctx, job, resume)
		resume = false
		if err != nil || !retry {
			return err
		}
		wait := b.NextBackOff()
		slog.Info("Retrying clip", "production", job.ProductionID, "clip", job.ClipIndex, "wait", wait)
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		ok, err := o.requeue(ctx, job)
		if err != nil || !ok {
			return err
		}
	}
}

func (o *Orchestrator) jobTimeout(s models.GenerationSettings) time.Duration {
	if s.TimeoutSeconds > 0 {
		return time.Duration(s.TimeoutSeconds) * time.Second
	}
	return o.opts.DefaultJobTimeout
}

func (o *Orchestrator) buildRequest(p *models.StoryBeatProduction, c *models.GeneratedClip) provider.SubmitRequest {
	a, _ := p.Plan.Assignment(c.ClipIndex)
	req := provider.SubmitRequest{
		ProductionID: p.ID,
		ClipIndex:    c.ClipIndex,
		Prompt:       a.Prompt,
		ReferenceID:  a.ReferenceID,
		ReferenceURL: a.ReferenceURL,
		Settings:     p.Plan.Settings,
	}
	if p.Plan.Settings.UseVideoChaining && c.ClipIndex > 0 {
		if prev, err := p.Clip(c.ClipIndex - 1); err == nil && prev.Result != nil {
			req.ContinuationFrameURL = prev.Result.FinalFrameURL
			if req.ContinuationFrameURL == "" {
				req.ContinuationFrameURL = prev.Result.VideoURL
			}
		}
		req.Prompt = planner.WithContinuation(req.Prompt)
	}
	return req
}

// attempt 一次派发 + 轮询。返回 true 表示需要退避后重试
func (o *Orchestrator) attempt(ctx context.Context, job ClipJob, resume bool) (bool, error) {
	p, err := o.store.Get(ctx, job.ProductionID)
	if err != nil {
		return false, err
	}
	clip, err := p.Clip(job.ClipIndex)
	if err != nil {
		return false, err
	}
	log := slog.With("production", job.ProductionID, "clip", job.ClipIndex, "generation", job.Generation)
	if clip.Generation != job.Generation {
		log.Debug("Skipping stale clip job", "current", clip.Generation)
		return false, nil
	}
	settings := p.Plan.Settings
	adapter, err := o.providers.Get(settings.Provider)
	if err != nil {
		return false, o.fail(ctx, job, models.KindOf(err), err.Error())
	}

	timeout := o.jobTimeout(settings)
	deadline := time.Now().Add(timeout)
	var jobID string
	if resume {
		if clip.State != models.ClipStateDispatched || clip.ProviderJobID == "" {
			return false, nil
		}
		jobID = clip.ProviderJobID
		if clip.DispatchedAt != nil {
			deadline = clip.DispatchedAt.Add(timeout)
		}
	} else if clip.State != models.ClipStateQueued || p.Cancelled {
		return false, nil
	}

	release, err := o.providers.Acquire(ctx, adapter.Name())
	if err != nil {
		return false, err
	}
	defer release()

	if !resume {
		if err := o.providers.Wait(ctx, adapter.Name()); err != nil {
			return false, err
		}
		req := o.buildRequest(p, clip)
		if _, err := o.store.Update(ctx, job.ProductionID, func(p *models.StoryBeatProduction) error {
			c, err := p.Clip(job.ClipIndex)
			if err != nil {
				return err
			}
			if c.Generation != job.Generation || c.State != models.ClipStateQueued || p.Cancelled {
				return errStale
			}
			if err := c.Transition(models.ClipStateDispatched); err != nil {
				return err
			}
			now := time.Now()
			c.Attempts++
			c.DispatchedAt = &now
			c.ProviderJobID = ""
			p.Recompute()
			return nil
		}); err != nil {
			if errors.Is(err, errStale) {
				return false, nil
			}
			return false, err
		}
		deadline = time.Now().Add(timeout)

		submitCtx, cancel := context.WithDeadline(ctx, deadline)
		jobID, err = adapter.Submit(submitCtx, req)
		cancel()
		if err != nil {
			return o.handleFailure(ctx, job, adapter, "", err)
		}
		if _, err := o.store.Update(ctx, job.ProductionID, func(p *models.StoryBeatProduction) error {
			c, err := p.Clip(job.ClipIndex)
			if err != nil {
				return err
			}
			if c.Generation == job.Generation {
				c.ProviderJobID = jobID
			}
			return nil
		}); err != nil {
			log.Warn("Record provider job id failed", "job", jobID, "error", err)
		}
		log.Info("Clip dispatched", "provider", adapter.Name(), "job", jobID, "attempt", clip.Attempts+1)
	}

	res, err := o.poll(ctx, adapter, jobID, deadline)
	if err != nil {
		return o.handleFailure(ctx, job, adapter, jobID, err)
	}
	if res.Status == provider.JobFailed {
		msg := res.Message
		if msg == "" {
			msg = "provider reported failure"
		}
		return o.handleFailure(ctx, job, adapter, jobID, provider.Wrap(adapter.Name(), res.ErrorKind, errors.New(msg)))
	}
	return false, o.complete(ctx, job, res)
}

// poll 轮询直到任务结束或超过 deadline。可重试的轮询错误不会中断等待
func (o *Orchestrator) poll(ctx context.Context, adapter provider.Adapter, jobID string, deadline time.Time) (provider.PollResult, error) {
	wait := time.Until(deadline)
	timer := time.NewTimer(wait)
	defer timer.Stop()
	ticker := time.NewTicker(o.opts.PollInterval)
	defer ticker.Stop()

	for {
		res, err := adapter.Poll(ctx, jobID)
		switch {
		case err != nil && ctx.Err() != nil:
			return provider.PollResult{}, ctx.Err()
		case err != nil && !models.IsTransient(err):
			return provider.PollResult{}, err
		case err != nil:
			slog.Warn("Poll error, retrying", "provider", adapter.Name(), "job", jobID, "error", err)
		case res.Status == provider.JobSucceeded || res.Status == provider.JobFailed:
			return res, nil
		}

		select {
		case <-ctx.Done():
			return provider.PollResult{}, ctx.Err()
		case <-timer.C:
			return provider.PollResult{}, &models.TimeoutError{Provider: adapter.Name(), JobID: jobID, Timeout: wait.Round(time.Millisecond).String()}
		case <-ticker.C:
		}
	}
}

func (o *Orchestrator) handleFailure(ctx context.Context, job ClipJob, adapter provider.Adapter, jobID string, cause error) (bool, error) {
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	kind := models.KindOf(cause)
	log := slog.With("production", job.ProductionID, "clip", job.ClipIndex, "provider", adapter.Name())

	var te *models.TimeoutError
	if errors.As(cause, &te) && jobID != "" {
		go o.cancelRemote(adapter, jobID)
	}

	if kind.Transient() {
		_, err := o.store.Update(ctx, job.ProductionID, func(p *models.StoryBeatProduction) error {
			c, err := p.Clip(job.ClipIndex)
			if err != nil {
				return err
			}
			if c.Generation != job.Generation || c.State != models.ClipStateDispatched {
				return errStale
			}
			if p.Cancelled || c.RefundedOnCancel || c.Retries >= o.opts.MaxRetries {
				return errExhausted
			}
			if err := c.Transition(models.ClipStateFailedRetryable); err != nil {
				return err
			}
			c.Retries++
			c.Error = &models.GenerationError{Kind: kind, Message: cause.Error()}
			p.Recompute()
			return nil
		})
		switch {
		case err == nil:
			log.Warn("Clip attempt failed, will retry", "kind", kind, "error", cause)
			return true, nil
		case errors.Is(err, errStale):
			return false, nil
		case !errors.Is(err, errExhausted):
			return false, err
		}
	}
	log.Warn("Clip failed permanently", "kind", kind, "error", cause)
	return false, o.fail(ctx, job, kind, cause.Error())
}

func (o *Orchestrator) cancelRemote(adapter provider.Adapter, jobID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := adapter.Cancel(ctx, jobID); err != nil {
		slog.Warn("Cancel provider job failed", "provider", adapter.Name(), "job", jobID, "error", err)
	}
}

// requeue failed-retryable -> queued。返回 false 表示任务已被取消或替换
func (o *Orchestrator) requeue(ctx context.Context, job ClipJob) (bool, error) {
	_, err := o.store.Update(ctx, job.ProductionID, func(p *models.StoryBeatProduction) error {
		c, err := p.Clip(job.ClipIndex)
		if err != nil {
			return err
		}
		if c.Generation != job.Generation || c.State != models.ClipStateFailedRetryable || p.Cancelled {
			return errStale
		}
		if err := c.Transition(models.ClipStateQueued); err != nil {
			return err
		}
		p.Recompute()
		return nil
	})
	if errors.Is(err, errStale) {
		return false, nil
	}
	return err == nil, err
}

// actualCost 按实际时长折算，不超过预估
func actualCost(estimated int64, requestedSeconds int, gotSeconds float64) int64 {
	if gotSeconds <= 0 || requestedSeconds <= 0 || gotSeconds >= float64(requestedSeconds) {
		return estimated
	}
	return int64(math.Ceil(float64(estimated) * gotSeconds / float64(requestedSeconds)))
}

func lateReference(job ClipJob) string {
	return fmt.Sprintf("late:%s:%d:%d", job.ProductionID, job.ClipIndex, job.Generation)
}

// complete 成功：归档、结算（或取消后对账）、推进链式生成
func (o *Orchestrator) complete(ctx context.Context, job ClipJob, res provider.PollResult) error {
	p, err := o.store.Get(ctx, job.ProductionID)
	if err != nil {
		return err
	}
	clip, err := p.Clip(job.ClipIndex)
	if err != nil {
		return err
	}
	if clip.Generation != job.Generation || clip.State != models.ClipStateDispatched {
		return nil
	}
	log := slog.With("production", job.ProductionID, "clip", job.ClipIndex)

	videoURL := res.ResultURL
	if o.archiver != nil {
		archived, err := o.archiver.Archive(ctx, job.ProductionID, job.ClipIndex, res)
		if err != nil {
			log.Warn("Archive clip failed, keeping provider url", "error", err)
		} else {
			videoURL = archived
		}
	}
	if videoURL == "" {
		return o.fail(ctx, job, models.ErrorKindUnknown, "provider returned no retrievable video")
	}

	actual := actualCost(clip.EstimatedCredits, p.Plan.Settings.DurationSeconds, res.DurationSeconds)
	late := clip.RefundedOnCancel
	if !late {
		err := o.ledger.Settle(ctx, p.ReservationID, job.ClipIndex, actual)
		switch {
		case errors.Is(err, models.ErrAllocationClosed):
			late = true // 取消已退款
		case err != nil:
			log.Error("Settle clip credits failed", "error", err)
		}
	}
	var charged int64
	if late && o.opts.ReconcileLateResults {
		if err := o.ledger.Charge(ctx, p.AccountID, lateReference(job), actual); err != nil {
			log.Warn("Late result reconciliation failed", "error", err)
		} else {
			charged = actual
		}
	}

	now := time.Now()
	result := &models.ClipResult{
		VideoURL:        videoURL,
		ProviderURL:     res.ResultURL,
		FinalFrameURL:   res.FinalFrameURL,
		DurationSeconds: res.DurationSeconds,
		FileSizeBytes:   res.FileSizeBytes,
	}
	updated, err := o.store.Update(ctx, job.ProductionID, func(p *models.StoryBeatProduction) error {
		c, err := p.Clip(job.ClipIndex)
		if err != nil {
			return err
		}
		if c.Generation != job.Generation || c.State != models.ClipStateDispatched {
			return errStale
		}
		if err := c.Transition(models.ClipStateSucceeded); err != nil {
			return err
		}
		c.Result = result
		c.Error = nil
		c.CompletedAt = &now
		if late {
			c.RefundedOnCancel = true
			c.Credit = models.CreditRefunded
			c.LateResult = &models.LateResult{Succeeded: true, Result: result, ChargedAmount: charged, ReceivedAt: now}
		} else {
			c.CreditsUsed = actual
			c.Credit = models.CreditSettled
		}
		p.Recompute()
		return nil
	})
	if errors.Is(err, errStale) {
		return nil
	}
	if err != nil {
		return err
	}
	log.Info("Clip succeeded", "credits", actual, "late", late, "progress", updated.Progress, "status", updated.Status)

	if !late && !updated.Cancelled && updated.Plan.Settings.UseVideoChaining {
		o.advanceChain(ctx, updated, job.ClipIndex)
	}
	return nil
}

// advanceChain 链式模式下派发下一个分镜；若它因上游失败被阻塞，则重新预留并恢复
func (o *Orchestrator) advanceChain(ctx context.Context, p *models.StoryBeatProduction, index int) {
	next, err := p.Clip(index + 1)
	if err != nil {
		return
	}
	switch {
	case next.State == models.ClipStateQueued:
		o.schedule(ctx, ClipJob{ProductionID: p.ID, ClipIndex: next.ClipIndex, Generation: next.Generation})
	case next.State == models.ClipStateFailedPermanent && next.Error != nil && next.Error.Kind == models.ErrorKindUpstreamFailed:
		if err := o.reopen(ctx, p, next.ClipIndex, func(c *models.GeneratedClip) error {
			if c.State != models.ClipStateFailedPermanent || c.Error == nil || c.Error.Kind != models.ErrorKindUpstreamFailed {
				return errStale
			}
			return nil
		}); err != nil && !errors.Is(err, errStale) {
			slog.Warn("Resume blocked chained clip failed", "production", p.ID, "clip", next.ClipIndex, "error", err)
		}
	}
}

// reopen 重新预留某个已永久失败分镜的额度，回到 queued 并派发新一代任务
func (o *Orchestrator) reopen(ctx context.Context, p *models.StoryBeatProduction, index int, check func(*models.GeneratedClip) error) error {
	clip, err := p.Clip(index)
	if err != nil {
		return err
	}
	if err := o.ledger.Extend(ctx, p.ReservationID, index, clip.EstimatedCredits); err != nil {
		return err
	}
	var gen int
	_, err = o.store.Update(ctx, p.ID, func(p *models.StoryBeatProduction) error {
		if p.Cancelled {
			return models.ErrProductionCancelled
		}
		c, err := p.Clip(index)
		if err != nil {
			return err
		}
		if err := check(c); err != nil {
			return err
		}
		if err := c.Transition(models.ClipStateQueued); err != nil {
			return err
		}
		c.Generation++
		c.HistoricRetries += c.Retries
		c.Retries = 0
		c.Error = nil
		c.Result = nil
		c.LateResult = nil
		c.ProviderJobID = ""
		c.RefundedOnCancel = false
		c.NeedsRegeneration = false
		c.CompletedAt = nil
		c.Credit = models.CreditOpen
		gen = c.Generation
		p.Recompute()
		return nil
	})
	if err != nil {
		// 状态已变，退回刚才的预留
		if rerr := o.ledger.Refund(ctx, p.ReservationID, index, clip.EstimatedCredits); rerr != nil {
			slog.Error("Roll back extended reservation failed", "production", p.ID, "clip", index, "error", rerr)
		}
		return err
	}
	slog.Info("Clip requeued", "production", p.ID, "clip", index, "generation", gen)
	o.schedule(ctx, ClipJob{ProductionID: p.ID, ClipIndex: index, Generation: gen})
	return nil
}

// fail 永久失败：退还分配；链式模式下后续未派发的分镜级联失败
func (o *Orchestrator) fail(ctx context.Context, job ClipJob, kind models.ErrorKind, msg string) error {
	p, err := o.store.Get(ctx, job.ProductionID)
	if err != nil {
		return err
	}
	clip, err := p.Clip(job.ClipIndex)
	if err != nil {
		return err
	}
	if clip.Generation != job.Generation || clip.State.Terminal() {
		return nil
	}

	late := clip.RefundedOnCancel
	if !late && clip.Credit == models.CreditOpen {
		err := o.ledger.Refund(ctx, p.ReservationID, job.ClipIndex, clip.EstimatedCredits)
		switch {
		case errors.Is(err, models.ErrAllocationClosed):
			late = true
		case err != nil:
			slog.Error("Refund failed clip failed", "production", p.ID, "clip", job.ClipIndex, "error", err)
		}
	}

	var blocked []int
	if p.Plan.Settings.UseVideoChaining && !p.Cancelled {
		for _, c := range p.Clips {
			if c.ClipIndex > job.ClipIndex && c.State == models.ClipStateQueued {
				if err := o.ledger.Refund(ctx, p.ReservationID, c.ClipIndex, c.EstimatedCredits); err != nil && !errors.Is(err, models.ErrAllocationClosed) {
					slog.Error("Refund blocked clip failed", "production", p.ID, "clip", c.ClipIndex, "error", err)
					continue
				}
				blocked = append(blocked, c.ClipIndex)
			}
		}
	}

	now := time.Now()
	_, err = o.store.Update(ctx, job.ProductionID, func(p *models.StoryBeatProduction) error {
		c, err := p.Clip(job.ClipIndex)
		if err != nil {
			return err
		}
		if c.Generation != job.Generation || c.State.Terminal() {
			return errStale
		}
		if err := c.Transition(models.ClipStateFailedPermanent); err != nil {
			return err
		}
		c.Error = &models.GenerationError{Kind: kind, Message: msg}
		c.Credit = models.CreditRefunded
		c.CompletedAt = &now
		if late {
			c.RefundedOnCancel = true
			c.LateResult = &models.LateResult{Succeeded: false, Error: msg, ReceivedAt: now}
		}
		for _, idx := range blocked {
			b, err := p.Clip(idx)
			if err != nil || b.State != models.ClipStateQueued {
				continue
			}
			if err := b.Transition(models.ClipStateFailedPermanent); err != nil {
				return err
			}
			b.Error = &models.GenerationError{Kind: models.ErrorKindUpstreamFailed,
				Message: fmt.Sprintf("previous clip %d failed", job.ClipIndex)}
			b.Credit = models.CreditRefunded
			b.CompletedAt = &now
		}
		p.Recompute()
		return nil
	})
	if errors.Is(err, errStale) {
		return nil
	}
	return err
}

func (o *Orchestrator) clipLock(productionID string, index int) *sync.Mutex {
	key := fmt.Sprintf("%s:%d", productionID, index)
	o.regenMu.Lock()
	defer o.regenMu.Unlock()
	m, ok := o.regenLocks[key]
	if !ok {
		m = &sync.Mutex{}
		o.regenLocks[key] = m
	}
	return m
}

// RegenerateClip 只对永久失败的分镜重新生成。同一分镜的并发调用串行执行，后到者得到 ErrClipBusy
func (o *Orchestrator) RegenerateClip(ctx context.Context, productionID string, index int) error {
	m := o.clipLock(productionID, index)
	m.Lock()
	defer m.Unlock()

	p, err := o.store.Get(ctx, productionID)
	if err != nil {
		return err
	}
	if p.Cancelled {
		return models.ErrProductionCancelled
	}
	if p.Status == models.ProductionCompleted || p.Status == models.ProductionPlanning {
		return fmt.Errorf("production %s is %s: %w", productionID, p.Status, models.ErrInvalidTransition)
	}
	clip, err := p.Clip(index)
	if err != nil {
		return err
	}
	if err := regenerable(clip); err != nil {
		return err
	}
	if p.Plan.Settings.UseVideoChaining && index > 0 {
		prev, err := p.Clip(index - 1)
		if err != nil {
			return err
		}
		if prev.State != models.ClipStateSucceeded {
			return fmt.Errorf("clip %d: %w", index, models.ErrChainPredecessor)
		}
	}
	return o.reopen(ctx, p, index, regenerable)
}

func regenerable(c *models.GeneratedClip) error {
	switch c.State {
	case models.ClipStateFailedPermanent:
		return nil
	case models.ClipStateSucceeded:
		return fmt.Errorf("clip %d: %w", c.ClipIndex, models.ErrClipNotRegenerable)
	}
	return fmt.Errorf("clip %d is %s: %w", c.ClipIndex, c.State, models.ErrClipBusy)
}

// CancelProduction 未派发的分镜直接失败并退款；已派发的分镜先退款，继续轮询，迟到结果另行记录
func (o *Orchestrator) CancelProduction(ctx context.Context, productionID string) error {
	p, err := o.store.Get(ctx, productionID)
	if err != nil {
		return err
	}
	if p.Status == models.ProductionCompleted {
		return fmt.Errorf("production %s is completed: %w", productionID, models.ErrInvalidTransition)
	}
	if p.Cancelled {
		return nil
	}

	refunded := map[int]bool{}
	for _, c := range p.Clips {
		if c.State.Terminal() || c.Credit != models.CreditOpen {
			continue
		}
		err := o.ledger.Refund(ctx, p.ReservationID, c.ClipIndex, c.EstimatedCredits)
		switch {
		case err == nil:
			refunded[c.ClipIndex] = true
		case errors.Is(err, models.ErrAllocationClosed):
		default:
			slog.Error("Refund on cancel failed", "production", productionID, "clip", c.ClipIndex, "error", err)
		}
	}

	var inFlight []models.GeneratedClip
	now := time.Now()
	updated, err := o.store.Update(ctx, productionID, func(p *models.StoryBeatProduction) error {
		p.Cancelled = true
		inFlight = inFlight[:0]
		for i := range p.Clips {
			c := &p.Clips[i]
			if !refunded[c.ClipIndex] {
				continue
			}
			switch c.State {
			case models.ClipStateQueued, models.ClipStateFailedRetryable:
				if err := c.Transition(models.ClipStateFailedPermanent); err != nil {
					return err
				}
				c.Error = &models.GenerationError{Kind: models.ErrorKindCancelled, Message: "production cancelled"}
				c.Credit = models.CreditRefunded
				c.CompletedAt = &now
			case models.ClipStateDispatched:
				c.RefundedOnCancel = true
				c.Credit = models.CreditRefunded
				inFlight = append(inFlight, *c)
			}
		}
		p.Recompute()
		return nil
	})
	if err != nil {
		return err
	}
	slog.Info("Production cancelled", "production", productionID, "refunded", len(refunded), "in_flight", len(inFlight), "status", updated.Status)

	if adapter, err := o.providers.Get(updated.Plan.Settings.Provider); err == nil {
		for _, c := range inFlight {
			if c.ProviderJobID != "" {
				go o.cancelRemote(adapter, c.ProviderJobID)
			}
		}
	}
	return nil
}

// AddToTimeline ready / partial-failed -> in-timeline
func (o *Orchestrator) AddToTimeline(ctx context.Context, productionID string) (*models.StoryBeatProduction, error) {
	return o.store.Update(ctx, productionID, func(p *models.StoryBeatProduction) error {
		return p.Transition(models.ProductionInTimeline)
	})
}

// CompleteProduction in-timeline -> completed；仍有分镜在重生成时拒绝
func (o *Orchestrator) CompleteProduction(ctx context.Context, productionID string) (*models.StoryBeatProduction, error) {
	return o.store.Update(ctx, productionID, func(p *models.StoryBeatProduction) error {
		if p.Status == models.ProductionInTimeline && !p.Terminal() {
			return models.ErrClipBusy
		}
		return p.Transition(models.ProductionCompleted)
	})
}

// RateClip 记录用户评分（1-5）与是否需要重生成
func (o *Orchestrator) RateClip(ctx context.Context, productionID string, index, rating int, needsRegeneration bool) (*models.StoryBeatProduction, error) {
	if rating < 0 || rating > 5 {
		return nil, fmt.Errorf("rating must be between 0 and 5, got %d", rating)
	}
	return o.store.Update(ctx, productionID, func(p *models.StoryBeatProduction) error {
		c, err := p.Clip(index)
		if err != nil {
			return err
		}
		c.Rating = rating
		c.NeedsRegeneration = needsRegeneration
		return nil
	})
}

// Recover 进程启动时接手未完成的分镜：queued 重新派发，failed-retryable 回到 queued，dispatched 继续轮询
func (o *Orchestrator) Recover(ctx context.Context) error {
	list, err := o.store.ListUnfinished(ctx)
	if err != nil {
		return err
	}
	for _, p := range list {
		for _, c := range p.Clips {
			job := ClipJob{ProductionID: p.ID, ClipIndex: c.ClipIndex, Generation: c.Generation}
			switch c.State {
			case models.ClipStateQueued:
				if p.Plan.Settings.UseVideoChaining && c.ClipIndex > 0 {
					prev, _ := p.Clip(c.ClipIndex - 1)
					if prev == nil || prev.State != models.ClipStateSucceeded {
						continue
					}
				}
				o.schedule(ctx, job)
			case models.ClipStateFailedRetryable:
				if ok, err := o.requeue(ctx, job); err == nil && ok {
					o.schedule(ctx, job)
				}
			case models.ClipStateDispatched:
				if c.ProviderJobID == "" {
					// 提交结果未知，按可重试失败处理
					if adapter, err := o.providers.Get(p.Plan.Settings.Provider); err == nil {
						retry, err := o.handleFailure(ctx, job, adapter, "", &models.ProviderTransientError{
							Provider: adapter.Name(), Kind: models.ErrorKindNetwork, Err: errors.New("interrupted before submit completed")})
						if err == nil && retry {
							if ok, err := o.requeue(ctx, job); err == nil && ok {
								o.schedule(ctx, job)
							}
						}
					}
					continue
				}
				job.Resume = true
				o.schedule(ctx, job)
			}
		}
		slog.Info("Recovered production", "production", p.ID, "status", p.Status)
	}
	return nil
}

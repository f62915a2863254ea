// Package ledger 额度账本：派发前预留，分镜成功时结算，永久失败时退还。
// 任意预留在所有分配关闭后都满足 reserved == settled + refunded。
package ledger

import (
	"context"
	"fmt"
	"time"

	"StoryBeat-server/models"

	"github.com/google/uuid"
)

// Ledger 账本操作。所有方法对同一账户的并发调用都是原子的。
type Ledger interface {
	// Reserve 按分镜预留额度，总额 = Σ clipCosts；余额不足返回 InsufficientCreditsError
	Reserve(ctx context.Context, accountID, productionID string, clipCosts []int64) (string, error)
	// Settle 扣除 actualCost（不超过分配额），分配余量退回可用余额，分配关闭
	Settle(ctx context.Context, reservationID string, clipIndex int, actualCost int64) error
	// Refund 退回至多 amount 的未用分配，余量为零时关闭
	Refund(ctx context.Context, reservationID string, clipIndex int, amount int64) error
	// Extend 为重生成重新打开一个已关闭的分配
	Extend(ctx context.Context, reservationID string, clipIndex int, amount int64) error
	// Charge 直接扣款（取消后迟到的成功结果对账）
	Charge(ctx context.Context, accountID, reference string, amount int64) error
	Deposit(ctx context.Context, accountID string, amount int64) error
	Account(ctx context.Context, accountID string) (*models.CreditAccount, error)
	Reservation(ctx context.Context, reservationID string) (*models.CreditReservation, error)
	Entries(ctx context.Context, accountID string) ([]models.CreditEntry, error)
}

func newEntry(accountID, reservationID string, clipIndex int, kind string, amount int64, reference string) models.CreditEntry {
	return models.CreditEntry{
		ID:            uuid.NewString(),
		AccountID:     accountID,
		ReservationID: reservationID,
		ClipIndex:     clipIndex,
		Kind:          kind,
		Amount:        amount,
		Reference:     reference,
		CreatedAt:     time.Now(),
	}
}

// 以下 apply* 是两种后端共享的记账规则，调用方负责加锁与持久化

func applyReserve(acc *models.CreditAccount, productionID string, clipCosts []int64) (*models.CreditReservation, []models.CreditEntry, error) {
	var total int64
	for i, c := range clipCosts {
		if c < 0 {
			return nil, nil, fmt.Errorf("clip %d: negative cost %d", i, c)
		}
		total += c
	}
	if acc.Available < total {
		return nil, nil, &models.InsufficientCreditsError{AccountID: acc.ID, Available: acc.Available, Required: total}
	}
	now := time.Now()
	res := &models.CreditReservation{
		ID:           uuid.NewString(),
		AccountID:    acc.ID,
		ProductionID: productionID,
		Reserved:     total,
		Clips:        make(models.AllocationList, len(clipCosts)),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	for i, c := range clipCosts {
		res.Clips[i] = models.ClipAllocation{ClipIndex: i, Reserved: c, State: models.CreditOpen}
	}
	acc.Available -= total
	acc.Reserved += total
	acc.UpdatedAt = now
	return res, []models.CreditEntry{newEntry(acc.ID, res.ID, -1, models.EntryReserve, total, productionID)}, nil
}

func openAllocation(res *models.CreditReservation, clipIndex int) (*models.ClipAllocation, error) {
	alloc := res.Allocation(clipIndex)
	if alloc == nil {
		return nil, fmt.Errorf("reservation %s clip %d: %w", res.ID, clipIndex, models.ErrNotFound)
	}
	if alloc.State != models.CreditOpen {
		return nil, fmt.Errorf("reservation %s clip %d is %s: %w", res.ID, clipIndex, alloc.State, models.ErrAllocationClosed)
	}
	return alloc, nil
}

func applySettle(acc *models.CreditAccount, res *models.CreditReservation, clipIndex int, actual int64) ([]models.CreditEntry, error) {
	if actual < 0 {
		return nil, fmt.Errorf("negative settle amount %d", actual)
	}
	alloc, err := openAllocation(res, clipIndex)
	if err != nil {
		return nil, err
	}
	open := alloc.Open()
	spend := actual
	if spend > open {
		spend = open
	}
	rest := open - spend

	alloc.Settled += spend
	alloc.Refunded += rest
	alloc.State = models.CreditSettled
	res.Settled += spend
	res.Refunded += rest
	res.UpdatedAt = time.Now()

	acc.Reserved -= open
	acc.Spent += spend
	acc.Available += rest
	acc.UpdatedAt = res.UpdatedAt

	entries := []models.CreditEntry{newEntry(acc.ID, res.ID, clipIndex, models.EntrySettle, spend, res.ProductionID)}
	if rest > 0 {
		entries = append(entries, newEntry(acc.ID, res.ID, clipIndex, models.EntryRefund, rest, res.ProductionID))
	}
	return entries, nil
}

func applyRefund(acc *models.CreditAccount, res *models.CreditReservation, clipIndex int, amount int64) ([]models.CreditEntry, error) {
	if amount < 0 {
		return nil, fmt.Errorf("negative refund amount %d", amount)
	}
	alloc, err := openAllocation(res, clipIndex)
	if err != nil {
		return nil, err
	}
	open := alloc.Open()
	if amount > open {
		amount = open
	}
	alloc.Refunded += amount
	if alloc.Open() == 0 {
		alloc.State = models.CreditRefunded
	}
	res.Refunded += amount
	res.UpdatedAt = time.Now()

	acc.Reserved -= amount
	acc.Available += amount
	acc.UpdatedAt = res.UpdatedAt
	return []models.CreditEntry{newEntry(acc.ID, res.ID, clipIndex, models.EntryRefund, amount, res.ProductionID)}, nil
}

func applyExtend(acc *models.CreditAccount, res *models.CreditReservation, clipIndex int, amount int64) ([]models.CreditEntry, error) {
	if amount < 0 {
		return nil, fmt.Errorf("negative extend amount %d", amount)
	}
	alloc := res.Allocation(clipIndex)
	if alloc != nil && alloc.State == models.CreditOpen {
		return nil, fmt.Errorf("reservation %s clip %d still open: %w", res.ID, clipIndex, models.ErrInvalidTransition)
	}
	if acc.Available < amount {
		return nil, &models.InsufficientCreditsError{AccountID: acc.ID, Available: acc.Available, Required: amount}
	}
	if alloc == nil {
		res.Clips = append(res.Clips, models.ClipAllocation{ClipIndex: clipIndex})
		alloc = &res.Clips[len(res.Clips)-1]
	}
	alloc.Reserved += amount
	alloc.State = models.CreditOpen
	res.Reserved += amount
	res.UpdatedAt = time.Now()

	acc.Available -= amount
	acc.Reserved += amount
	acc.UpdatedAt = res.UpdatedAt
	return []models.CreditEntry{newEntry(acc.ID, res.ID, clipIndex, models.EntryExtend, amount, res.ProductionID)}, nil
}

func applyCharge(acc *models.CreditAccount, reference string, amount int64) ([]models.CreditEntry, error) {
	if amount < 0 {
		return nil, fmt.Errorf("negative charge amount %d", amount)
	}
	if acc.Available < amount {
		return nil, &models.InsufficientCreditsError{AccountID: acc.ID, Available: acc.Available, Required: amount}
	}
	acc.Available -= amount
	acc.Spent += amount
	acc.UpdatedAt = time.Now()
	return []models.CreditEntry{newEntry(acc.ID, "", -1, models.EntryReconcile, amount, reference)}, nil
}

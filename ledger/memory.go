package ledger

import (
	"context"
	"fmt"
	"sync"
	"time"

	"StoryBeat-server/models"
)

// MemoryLedger 进程内账本，一把锁保护全部账户
type MemoryLedger struct {
	mu           sync.Mutex
	accounts     map[string]*models.CreditAccount
	reservations map[string]*models.CreditReservation
	entries      []models.CreditEntry
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		accounts:     make(map[string]*models.CreditAccount),
		reservations: make(map[string]*models.CreditReservation),
	}
}

func (l *MemoryLedger) account(id string) *models.CreditAccount {
	acc, ok := l.accounts[id]
	if !ok {
		acc = &models.CreditAccount{ID: id}
		l.accounts[id] = acc
	}
	return acc
}

// 在副本上执行 fn，成功后再替换，失败时状态不变
func (l *MemoryLedger) withReservation(reservationID string, fn func(acc *models.CreditAccount, res *models.CreditReservation) ([]models.CreditEntry, error)) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	res, ok := l.reservations[reservationID]
	if !ok {
		return fmt.Errorf("reservation %s: %w", reservationID, models.ErrNotFound)
	}
	acc := *l.account(res.AccountID)
	next := res.Clone()
	entries, err := fn(&acc, next)
	if err != nil {
		return err
	}
	l.accounts[acc.ID] = &acc
	l.reservations[reservationID] = next
	l.entries = append(l.entries, entries...)
	return nil
}

func (l *MemoryLedger) Reserve(_ context.Context, accountID, productionID string, clipCosts []int64) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	acc := *l.account(accountID)
	res, entries, err := applyReserve(&acc, productionID, clipCosts)
	if err != nil {
		return "", err
	}
	l.accounts[accountID] = &acc
	l.reservations[res.ID] = res
	l.entries = append(l.entries, entries...)
	return res.ID, nil
}

func (l *MemoryLedger) Settle(_ context.Context, reservationID string, clipIndex int, actualCost int64) error {
	return l.withReservation(reservationID, func(acc *models.CreditAccount, res *models.CreditReservation) ([]models.CreditEntry, error) {
		return applySettle(acc, res, clipIndex, actualCost)
	})
}

func (l *MemoryLedger) Refund(_ context.Context, reservationID string, clipIndex int, amount int64) error {
	return l.withReservation(reservationID, func(acc *models.CreditAccount, res *models.CreditReservation) ([]models.CreditEntry, error) {
		return applyRefund(acc, res, clipIndex, amount)
	})
}

func (l *MemoryLedger) Extend(_ context.Context, reservationID string, clipIndex int, amount int64) error {
	return l.withReservation(reservationID, func(acc *models.CreditAccount, res *models.CreditReservation) ([]models.CreditEntry, error) {
		return applyExtend(acc, res, clipIndex, amount)
	})
}

func (l *MemoryLedger) Charge(_ context.Context, accountID, reference string, amount int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	acc := *l.account(accountID)
	entries, err := applyCharge(&acc, reference, amount)
	if err != nil {
		return err
	}
	l.accounts[accountID] = &acc
	l.entries = append(l.entries, entries...)
	return nil
}

func (l *MemoryLedger) Deposit(_ context.Context, accountID string, amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("deposit must be positive")
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	acc := l.account(accountID)
	acc.Available += amount
	acc.UpdatedAt = time.Now()
	l.entries = append(l.entries, newEntry(accountID, "", -1, models.EntryDeposit, amount, ""))
	return nil
}

func (l *MemoryLedger) Account(_ context.Context, accountID string) (*models.CreditAccount, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	acc, ok := l.accounts[accountID]
	if !ok {
		return nil, fmt.Errorf("account %s: %w", accountID, models.ErrNotFound)
	}
	c := *acc
	return &c, nil
}

func (l *MemoryLedger) Reservation(_ context.Context, reservationID string) (*models.CreditReservation, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	res, ok := l.reservations[reservationID]
	if !ok {
		return nil, fmt.Errorf("reservation %s: %w", reservationID, models.ErrNotFound)
	}
	return res.Clone(), nil
}

func (l *MemoryLedger) Entries(_ context.Context, accountID string) ([]models.CreditEntry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []models.CreditEntry
	for _, e := range l.entries {
		if e.AccountID == accountID {
			out = append(out, e)
		}
	}
	return out, nil
}

package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"StoryBeat-server/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// GormLedger 基于 MySQL 的账本，每次操作在一个事务内 SELECT ... FOR UPDATE 锁行
type GormLedger struct {
	db *gorm.DB
}

func NewGormLedger(db *gorm.DB) *GormLedger {
	return &GormLedger{db: db}
}

func forUpdate(tx *gorm.DB) *gorm.DB {
	return tx.Clauses(clause.Locking{Strength: "UPDATE"})
}

func lockAccount(tx *gorm.DB, accountID string, create bool) (*models.CreditAccount, error) {
	var acc models.CreditAccount
	err := forUpdate(tx).First(&acc, "id = ?", accountID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		if !create {
			return &models.CreditAccount{ID: accountID}, nil
		}
		acc = models.CreditAccount{ID: accountID, UpdatedAt: time.Now()}
		if err := tx.Create(&acc).Error; err != nil {
			return nil, fmt.Errorf("create account %s: %w", accountID, err)
		}
		return &acc, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lock account %s: %w", accountID, err)
	}
	return &acc, nil
}

func saveEntries(tx *gorm.DB, entries []models.CreditEntry) error {
	if len(entries) == 0 {
		return nil
	}
	return tx.Create(&entries).Error
}

func (l *GormLedger) withReservation(ctx context.Context, reservationID string, fn func(acc *models.CreditAccount, res *models.CreditReservation) ([]models.CreditEntry, error)) error {
	return l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var res models.CreditReservation
		err := forUpdate(tx).First(&res, "id = ?", reservationID).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("reservation %s: %w", reservationID, models.ErrNotFound)
		}
		if err != nil {
			return err
		}
		acc, err := lockAccount(tx, res.AccountID, true)
		if err != nil {
			return err
		}
		entries, err := fn(acc, &res)
		if err != nil {
			return err
		}
		if err := tx.Save(acc).Error; err != nil {
			return err
		}
		if err := tx.Save(&res).Error; err != nil {
			return err
		}
		return saveEntries(tx, entries)
	})
}

func (l *GormLedger) Reserve(ctx context.Context, accountID, productionID string, clipCosts []int64) (string, error) {
	var id string
	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		acc, err := lockAccount(tx, accountID, false)
		if err != nil {
			return err
		}
		res, entries, err := applyReserve(acc, productionID, clipCosts)
		if err != nil {
			return err
		}
		if err := tx.Save(acc).Error; err != nil {
			return err
		}
		if err := tx.Create(res).Error; err != nil {
			return err
		}
		id = res.ID
		return saveEntries(tx, entries)
	})
	return id, err
}

func (l *GormLedger) Settle(ctx context.Context, reservationID string, clipIndex int, actualCost int64) error {
	return l.withReservation(ctx, reservationID, func(acc *models.CreditAccount, res *models.CreditReservation) ([]models.CreditEntry, error) {
		return applySettle(acc, res, clipIndex, actualCost)
	})
}

func (l *GormLedger) Refund(ctx context.Context, reservationID string, clipIndex int, amount int64) error {
	return l.withReservation(ctx, reservationID, func(acc *models.CreditAccount, res *models.CreditReservation) ([]models.CreditEntry, error) {
		return applyRefund(acc, res, clipIndex, amount)
	})
}

func (l *GormLedger) Extend(ctx context.Context, reservationID string, clipIndex int, amount int64) error {
	return l.withReservation(ctx, reservationID, func(acc *models.CreditAccount, res *models.CreditReservation) ([]models.CreditEntry, error) {
		return applyExtend(acc, res, clipIndex, amount)
	})
}

func (l *GormLedger) Charge(ctx context.Context, accountID, reference string, amount int64) error {
	return l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		acc, err := lockAccount(tx, accountID, false)
		if err != nil {
			return err
		}
		entries, err := applyCharge(acc, reference, amount)
		if err != nil {
			return err
		}
		if err := tx.Save(acc).Error; err != nil {
			return err
		}
		return saveEntries(tx, entries)
	})
}

func (l *GormLedger) Deposit(ctx context.Context, accountID string, amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("deposit must be positive")
	}
	return l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		acc, err := lockAccount(tx, accountID, true)
		if err != nil {
			return err
		}
		acc.Available += amount
		acc.UpdatedAt = time.Now()
		if err := tx.Save(acc).Error; err != nil {
			return err
		}
		return saveEntries(tx, []models.CreditEntry{newEntry(accountID, "", -1, models.EntryDeposit, amount, "")})
	})
}

func (l *GormLedger) Account(ctx context.Context, accountID string) (*models.CreditAccount, error) {
	var acc models.CreditAccount
	err := l.db.WithContext(ctx).First(&acc, "id = ?", accountID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("account %s: %w", accountID, models.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &acc, nil
}

func (l *GormLedger) Reservation(ctx context.Context, reservationID string) (*models.CreditReservation, error) {
	var res models.CreditReservation
	err := l.db.WithContext(ctx).First(&res, "id = ?", reservationID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("reservation %s: %w", reservationID, models.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &res, nil
}

func (l *GormLedger) Entries(ctx context.Context, accountID string) ([]models.CreditEntry, error) {
	var out []models.CreditEntry
	err := l.db.WithContext(ctx).Where("account_id = ?", accountID).Order("created_at").Find(&out).Error
	return out, err
}

package models

import (
	"database/sql/driver"
	"time"
)

// CreditAccount 账户余额：Available 可用，Reserved 已预留，Spent 已消费
type CreditAccount struct {
	ID        string    `gorm:"primaryKey;type:varchar(64)" json:"id"`
	Available int64     `json:"available"`
	Reserved  int64     `json:"reserved"`
	Spent     int64     `json:"spent"`
	UpdatedAt time.Time `json:"updatedAt"`
}

func (CreditAccount) TableName() string {
	return "credit_account"
}

// ClipAllocation 预留中属于某个分镜的部分
type ClipAllocation struct {
	ClipIndex int         `json:"clipIndex"`
	Reserved  int64       `json:"reserved"`
	Settled   int64       `json:"settled"`
	Refunded  int64       `json:"refunded"`
	State     CreditState `json:"state"`
}

// Open 尚未结算/退还的余量
func (a ClipAllocation) Open() int64 {
	return a.Reserved - a.Settled - a.Refunded
}

// AllocationList 以 JSON 列存储
type AllocationList []ClipAllocation

func (l AllocationList) Value() (driver.Value, error) {
	return jsonValue(l)
}

func (l *AllocationList) Scan(value interface{}) error {
	return jsonScan(value, l)
}

// CreditReservation 与 StoryBeatProduction 一一对应
type CreditReservation struct {
	ID           string         `gorm:"primaryKey;type:varchar(64)" json:"id"`
	AccountID    string         `gorm:"index;type:varchar(64)" json:"accountId"`
	ProductionID string         `gorm:"index;type:varchar(64)" json:"productionId"`
	Reserved     int64          `json:"reserved"`
	Settled      int64          `json:"settled"`
	Refunded     int64          `json:"refunded"`
	Clips        AllocationList `gorm:"type:json" json:"clips"`
	CreatedAt    time.Time      `json:"createdAt"`
	UpdatedAt    time.Time      `json:"updatedAt"`
}

func (CreditReservation) TableName() string {
	return "credit_reservation"
}

// Allocation 按 clip index 取分配
func (r *CreditReservation) Allocation(clipIndex int) *ClipAllocation {
	for i := range r.Clips {
		if r.Clips[i].ClipIndex == clipIndex {
			return &r.Clips[i]
		}
	}
	return nil
}

// Balanced 资金守恒：reserved == settled + refunded
func (r *CreditReservation) Balanced() bool {
	return r.Reserved == r.Settled+r.Refunded
}

// Clone 深拷贝
func (r *CreditReservation) Clone() *CreditReservation {
	c := *r
	c.Clips = append(AllocationList(nil), r.Clips...)
	return &c
}

// 账本流水类型
const (
	EntryDeposit   = "deposit"
	EntryReserve   = "reserve"
	EntrySettle    = "settle"
	EntryRefund    = "refund"
	EntryExtend    = "extend"
	EntryReconcile = "reconcile"
)

// CreditEntry 每一次额度变动的审计记录
type CreditEntry struct {
	ID            string    `gorm:"primaryKey;type:varchar(64)" json:"id"`
	AccountID     string    `gorm:"index;type:varchar(64)" json:"accountId"`
	ReservationID string    `gorm:"type:varchar(64)" json:"reservationId,omitempty"`
	ClipIndex     int       `json:"clipIndex"`
	Kind          string    `gorm:"type:varchar(16)" json:"kind"`
	Amount        int64     `json:"amount"`
	Reference     string    `json:"reference,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
}

func (CreditEntry) TableName() string {
	return "credit_entry"
}

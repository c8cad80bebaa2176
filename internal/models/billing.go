package models

import (
	"time"
)

// LedgerOutcome represents the result recorded with a ledger entry
type LedgerOutcome string

const (
	LedgerOutcomeCharged      LedgerOutcome = "charged"
	LedgerOutcomeInsufficient LedgerOutcome = "insufficient"
	LedgerOutcomeGatewayError LedgerOutcome = "gateway-error"
	LedgerOutcomeCoupon       LedgerOutcome = "coupon"
	LedgerOutcomeEarn         LedgerOutcome = "earn"
	LedgerOutcomeAdjustment   LedgerOutcome = "adjustment"
)

// LedgerEntry is an append-only record of a balance mutation or a failed charge
// attempt. Entries are never updated or deleted, only archived.
type LedgerEntry struct {
	ID        uint          `gorm:"column:id;primaryKey" json:"id"`
	Reference string        `gorm:"column:reference;size:36;uniqueIndex;not null" json:"reference"`
	UserID    uint          `gorm:"column:user_id;not null;index" json:"user_id"`
	ServerID  *uint         `gorm:"column:server_id;index" json:"server_id"`
	Amount    int64         `gorm:"column:amount;not null" json:"amount"`
	Balance   int64         `gorm:"column:balance;not null" json:"balance"`
	Outcome   LedgerOutcome `gorm:"column:outcome;size:20;not null;index" json:"outcome"`

	Description string    `gorm:"column:description;size:500" json:"description"`
	CreatedAt   time.Time `gorm:"column:created_at;index" json:"created_at"`
}

func (LedgerEntry) TableName() string {
	return "ledger_entries"
}

// LedgerEntryArchive holds ledger entries past the retention window
type LedgerEntryArchive struct {
	ID          uint          `gorm:"column:id;primaryKey" json:"id"`
	Reference   string        `gorm:"column:reference;size:36;not null" json:"reference"`
	UserID      uint          `gorm:"column:user_id;not null;index" json:"user_id"`
	ServerID    *uint         `gorm:"column:server_id" json:"server_id"`
	Amount      int64         `gorm:"column:amount;not null" json:"amount"`
	Balance     int64         `gorm:"column:balance;not null" json:"balance"`
	Outcome     LedgerOutcome `gorm:"column:outcome;size:20;not null" json:"outcome"`
	Description string        `gorm:"column:description;size:500" json:"description"`
	CreatedAt   time.Time     `gorm:"column:created_at;index" json:"created_at"`
	ArchivedAt  time.Time     `gorm:"column:archived_at" json:"archived_at"`
}

func (LedgerEntryArchive) TableName() string {
	return "ledger_entries_archive"
}

// Coupon represents a redeemable coin voucher
type Coupon struct {
	ID       uint   `gorm:"column:id;primaryKey" json:"id"`
	Code     string `gorm:"column:code;size:50;uniqueIndex;not null" json:"code"`
	Coins    int64  `gorm:"column:coins;not null" json:"coins"`
	MaxUses  int    `gorm:"column:max_uses;default:0" json:"max_uses"` // 0 = unlimited
	Uses     int    `gorm:"column:uses;default:0" json:"uses"`
	IsActive bool   `gorm:"column:is_active;default:true" json:"is_active"`

	ExpiresAt *time.Time `gorm:"column:expires_at" json:"expires_at"`

	// Batch info
	BatchID     string `gorm:"column:batch_id;size:50;index" json:"batch_id"`
	BatchNumber int    `gorm:"column:batch_number" json:"batch_number"`

	CreatedAt time.Time `gorm:"column:created_at" json:"created_at"`
	CreatedBy uint      `gorm:"column:created_by" json:"created_by"`
}

func (Coupon) TableName() string {
	return "coupons"
}

// CouponRedemption records one coupon use by one user. The unique index on
// (coupon_id, user_id) is what makes concurrent redeems of the same coupon by
// the same user collapse to a single grant.
type CouponRedemption struct {
	ID        uint      `gorm:"column:id;primaryKey" json:"id"`
	CouponID  uint      `gorm:"column:coupon_id;not null;uniqueIndex:idx_coupon_user" json:"coupon_id"`
	UserID    uint      `gorm:"column:user_id;not null;uniqueIndex:idx_coupon_user;index" json:"user_id"`
	Coins     int64     `gorm:"column:coins;not null" json:"coins"`
	CreatedAt time.Time `gorm:"column:created_at" json:"created_at"`
}

func (CouponRedemption) TableName() string {
	return "coupon_redemptions"
}

// EarnClaim records one earn-reward grant. WindowStart is the start of the
// cooldown window the claim belongs to; the unique index on
// (user_id, window_start) makes double claims within a window impossible.
type EarnClaim struct {
	ID          uint      `gorm:"column:id;primaryKey" json:"id"`
	UserID      uint      `gorm:"column:user_id;not null;uniqueIndex:idx_earn_user_window;index" json:"user_id"`
	WindowStart time.Time `gorm:"column:window_start;not null;uniqueIndex:idx_earn_user_window" json:"window_start"`
	Coins       int64     `gorm:"column:coins;not null" json:"coins"`
	CreatedAt   time.Time `gorm:"column:created_at" json:"created_at"`
}

func (EarnClaim) TableName() string {
	return "earn_claims"
}

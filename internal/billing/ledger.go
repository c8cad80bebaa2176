package billing

import (
	"errors"
	"fmt"
	"time"

	"github.com/coinpanel/backend/internal/models"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

var ErrUserNotFound = errors.New("ledger: user not found")

// Ledger is the single writer of user coin balances. All mutations are atomic
// guarded updates executed by the database; balances are never read-modify-written
// in application code, so concurrent debits and credits cannot lose updates.
type Ledger struct {
	db *gorm.DB
}

func NewLedger(db *gorm.DB) *Ledger {
	return &Ledger{db: db}
}

// Debit subtracts amount from the user's balance if and only if the balance
// covers it. Returns applied=false with the current balance when it does not;
// the balance can never go negative.
func (l *Ledger) Debit(userID uint, amount int64) (applied bool, newBalance int64, err error) {
	if amount < 0 {
		return false, 0, fmt.Errorf("ledger: negative debit amount %d", amount)
	}

	res := l.db.Model(&models.User{}).
		Where("id = ? AND coins >= ?", userID, amount).
		Update("coins", gorm.Expr("coins - ?", amount))
	if res.Error != nil {
		return false, 0, res.Error
	}

	balance, err := l.Balance(userID)
	if err != nil {
		return false, 0, err
	}
	return res.RowsAffected == 1, balance, nil
}

// Credit adds amount to the user's balance
func (l *Ledger) Credit(userID uint, amount int64) (newBalance int64, err error) {
	if amount < 0 {
		return 0, fmt.Errorf("ledger: negative credit amount %d", amount)
	}

	res := l.db.Model(&models.User{}).
		Where("id = ?", userID).
		Update("coins", gorm.Expr("coins + ?", amount))
	if res.Error != nil {
		return 0, res.Error
	}
	if res.RowsAffected == 0 {
		return 0, ErrUserNotFound
	}

	return l.Balance(userID)
}

// Balance returns the user's current coin balance
func (l *Ledger) Balance(userID uint) (int64, error) {
	var user models.User
	if err := l.db.Select("coins").First(&user, userID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, ErrUserNotFound
		}
		return 0, err
	}
	return user.Coins, nil
}

// RecordOutcome appends an immutable ledger entry for a charge attempt or a
// credit. Entries are the audit trail; they are never updated afterwards.
func (l *Ledger) RecordOutcome(userID uint, serverID *uint, amount, balance int64, outcome models.LedgerOutcome, description string) error {
	entry := models.LedgerEntry{
		Reference:   uuid.NewString(),
		UserID:      userID,
		ServerID:    serverID,
		Amount:      amount,
		Balance:     balance,
		Outcome:     outcome,
		Description: description,
		CreatedAt:   time.Now().UTC(),
	}
	return l.db.Create(&entry).Error
}

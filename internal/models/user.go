package models

import (
	"encoding/json"
	"time"

	"gorm.io/gorm"
)

// UserType represents the type of user
type UserType int

const (
	UserTypeCustomer UserType = 1
	UserTypeSupport  UserType = 2
	UserTypeAdmin    UserType = 3
)

// MarshalJSON converts UserType to string for JSON
func (ut UserType) MarshalJSON() ([]byte, error) {
	var s string
	switch ut {
	case UserTypeCustomer:
		s = "customer"
	case UserTypeSupport:
		s = "support"
	case UserTypeAdmin:
		s = "admin"
	default:
		s = "unknown"
	}
	return json.Marshal(s)
}

// UnmarshalJSON converts string back to UserType for JSON parsing
func (ut *UserType) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		// Try as integer for backward compatibility
		var i int
		if err := json.Unmarshal(data, &i); err != nil {
			return err
		}
		*ut = UserType(i)
		return nil
	}
	switch s {
	case "customer":
		*ut = UserTypeCustomer
	case "support":
		*ut = UserTypeSupport
	case "admin":
		*ut = UserTypeAdmin
	default:
		*ut = UserTypeCustomer
	}
	return nil
}

// User represents a panel account. Coins is the prepaid balance that the billing
// cycle debits hourly; it is only ever mutated through billing.Ledger.
type User struct {
	ID       uint     `gorm:"column:id;primaryKey" json:"id"`
	Username string   `gorm:"column:username;uniqueIndex;size:100;not null" json:"username"`
	Password string   `gorm:"column:password;size:255;not null" json:"-"`
	Email    string   `gorm:"column:email;size:255" json:"email"`
	UserType UserType `gorm:"column:user_type;default:1" json:"user_type"`
	IsActive bool     `gorm:"column:is_active;default:true" json:"is_active"`

	// Prepaid balance in coins, never negative
	Coins int64 `gorm:"column:coins;default:0" json:"coins"`

	// Resource entitlements
	ServerSlots     int `gorm:"column:server_slots;default:1" json:"server_slots"`
	DatabaseLimit   int `gorm:"column:database_limit;default:1" json:"database_limit"`
	BackupLimit     int `gorm:"column:backup_limit;default:1" json:"backup_limit"`
	AllocationLimit int `gorm:"column:allocation_limit;default:1" json:"allocation_limit"`

	// 2FA fields
	TwoFactorEnabled bool   `gorm:"column:two_factor_enabled;default:false" json:"two_factor_enabled"`
	TwoFactorSecret  string `gorm:"column:two_factor_secret;size:255" json:"-"`

	// Force password change on first login
	ForcePasswordChange bool `gorm:"column:force_password_change;default:false" json:"force_password_change"`

	LastLogin *time.Time     `gorm:"column:last_login" json:"last_login"`
	CreatedAt time.Time      `gorm:"column:created_at" json:"created_at"`
	UpdatedAt time.Time      `gorm:"column:updated_at" json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"column:deleted_at;index" json:"-"`
}

func (User) TableName() string {
	return "users"
}

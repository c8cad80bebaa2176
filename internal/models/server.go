package models

import (
	"time"

	"gorm.io/gorm"
)

// BillingState represents where a server sits in the billing lifecycle
type BillingState string

const (
	BillingStateActive      BillingState = "active"
	BillingStateGracePeriod BillingState = "grace_period"
	BillingStateSuspended   BillingState = "suspended"
	BillingStateResuming    BillingState = "resuming"
)

// Valid reports whether s is one of the four reachable billing states
func (s BillingState) Valid() bool {
	switch s {
	case BillingStateActive, BillingStateGracePeriod, BillingStateSuspended, BillingStateResuming:
		return true
	}
	return false
}

// Server represents a provisioned game server and its billing cycle record.
// PanelServerID is the identifier on the external provisioning panel.
type Server struct {
	ID            uint   `gorm:"column:id;primaryKey" json:"id"`
	Name          string `gorm:"column:name;size:100;not null" json:"name"`
	PanelServerID string `gorm:"column:panel_server_id;size:64;uniqueIndex;not null" json:"panel_server_id"`

	// Ownership
	UserID uint  `gorm:"column:user_id;not null;index" json:"user_id"`
	User   *User `gorm:"foreignKey:UserID" json:"user,omitempty"`

	// Allocated resources, billed per unit-hour
	RAMMb       int `gorm:"column:ram_mb;not null" json:"ram_mb"`
	CPUPercent  int `gorm:"column:cpu_percent;not null" json:"cpu_percent"`
	DiskMb      int `gorm:"column:disk_mb;not null" json:"disk_mb"`
	Databases   int `gorm:"column:databases;default:0" json:"databases"`
	Backups     int `gorm:"column:backups;default:0" json:"backups"`
	Allocations int `gorm:"column:allocations;default:1" json:"allocations"`

	// Billing cycle
	BillingState        BillingState `gorm:"column:billing_state;size:20;default:active;index" json:"billing_state"`
	LastChargedAt       time.Time    `gorm:"column:last_charged_at;not null;index" json:"last_charged_at"`
	GraceEnteredAt      *time.Time   `gorm:"column:grace_entered_at" json:"grace_entered_at"`
	ConsecutiveFailures int          `gorm:"column:consecutive_failures;default:0" json:"consecutive_failures"`

	CreatedAt time.Time      `gorm:"column:created_at" json:"created_at"`
	UpdatedAt time.Time      `gorm:"column:updated_at" json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"column:deleted_at;index" json:"-"`
}

func (Server) TableName() string {
	return "servers"
}

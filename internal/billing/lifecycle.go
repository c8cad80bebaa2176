package billing

import (
	"context"
	"errors"
	"time"

	"github.com/coinpanel/backend/internal/models"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

var ErrInvalidTransition = errors.New("invalid billing state transition")

// Gateway is the slice of the provisioning panel the state machine needs.
// Both calls must be idempotent.
type Gateway interface {
	Suspend(ctx context.Context, panelServerID string) error
	Unsuspend(ctx context.Context, panelServerID string) error
}

// transitions enumerates every legal billing state edge. Nothing else is
// reachable: all state writes go through Machine.transition which checks this
// table and compare-and-sets on the previous state.
var transitions = map[models.BillingState][]models.BillingState{
	models.BillingStateActive:      {models.BillingStateGracePeriod},
	models.BillingStateGracePeriod: {models.BillingStateActive, models.BillingStateSuspended},
	models.BillingStateSuspended:   {models.BillingStateResuming},
	// Resuming reverts to Suspended when the unsuspend call fails
	models.BillingStateResuming: {models.BillingStateActive, models.BillingStateSuspended},
}

// CanTransition reports whether from -> to is a legal edge
func CanTransition(from, to models.BillingState) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Machine drives servers through the billing lifecycle. Per-server transitions
// are serialized by compare-and-set writes on billing_state, so two concurrent
// callers can never both move the same server.
type Machine struct {
	db      *gorm.DB
	gateway Gateway
	now     func() time.Time
}

func NewMachine(db *gorm.DB, gateway Gateway) *Machine {
	return &Machine{db: db, gateway: gateway, now: time.Now}
}

// transition performs a compare-and-set state change. Returns false without
// error when another caller already moved the server away from `from`.
func (m *Machine) transition(serverID uint, from, to models.BillingState, updates map[string]interface{}) (bool, error) {
	if !CanTransition(from, to) {
		return false, ErrInvalidTransition
	}
	if updates == nil {
		updates = map[string]interface{}{}
	}
	updates["billing_state"] = to

	res := m.db.Model(&models.Server{}).
		Where("id = ? AND billing_state = ?", serverID, from).
		Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// ChargeSucceeded handles a successful debit: a server in grace returns to
// Active and its grace clock is cleared. Active servers need no state change.
func (m *Machine) ChargeSucceeded(s *models.Server) error {
	if s.BillingState != models.BillingStateGracePeriod {
		return nil
	}

	moved, err := m.transition(s.ID, models.BillingStateGracePeriod, models.BillingStateActive, map[string]interface{}{
		"grace_entered_at":     nil,
		"consecutive_failures": 0,
	})
	if err != nil {
		return err
	}
	if moved {
		log.Printf("Lifecycle: server %d left grace period after successful charge", s.ID)
	}
	return nil
}

// ChargeFailed handles an insufficient-balance outcome. An Active server enters
// grace; a server whose grace window has expired is suspended on the panel and
// only then marked Suspended locally. The grace entry itself is purely local and
// needs no remote confirmation.
func (m *Machine) ChargeFailed(ctx context.Context, s *models.Server, graceHours int) error {
	now := m.now().UTC()

	switch s.BillingState {
	case models.BillingStateActive:
		moved, err := m.transition(s.ID, models.BillingStateActive, models.BillingStateGracePeriod, map[string]interface{}{
			"grace_entered_at": now,
		})
		if err != nil {
			return err
		}
		if moved {
			log.Printf("Lifecycle: server %d entered grace period (%dh)", s.ID, graceHours)
			m.notify(s, "Server entering grace period",
				"Your balance no longer covers this server. Top up before the grace period ends or it will be suspended.", "warning")
		}
		return nil

	case models.BillingStateGracePeriod:
		graceEnteredAt := now
		if s.GraceEnteredAt != nil {
			graceEnteredAt = *s.GraceEnteredAt
		}
		if now.Sub(graceEnteredAt) < time.Duration(graceHours)*time.Hour {
			return nil
		}

		// Remote suspend first; local state only changes once the panel confirmed
		if err := m.gateway.Suspend(ctx, s.PanelServerID); err != nil {
			m.recordFailure(s.ID)
			return err
		}

		moved, err := m.transition(s.ID, models.BillingStateGracePeriod, models.BillingStateSuspended, map[string]interface{}{
			"consecutive_failures": 0,
		})
		if err != nil {
			return err
		}
		if moved {
			log.Printf("Lifecycle: server %d suspended after grace period expired", s.ID)
			m.notify(s, "Server suspended", "Your server was suspended because of insufficient balance. Your data is preserved; top up to resume.", "error")
		}
		return nil
	}

	// Suspended and Resuming servers have nothing further to do on a failed charge
	return nil
}

// MaybeResume moves a Suspended server back to Active when the balance covers at
// least one billing period. The server is held in Resuming until the panel
// confirms the unsuspend; on failure it reverts to Suspended for a retry on the
// next tick. The billing clock restarts at resume time so suspended downtime is
// never charged.
func (m *Machine) MaybeResume(ctx context.Context, s *models.Server, hourlyCost, balance int64) error {
	if s.BillingState != models.BillingStateSuspended {
		return nil
	}
	if balance < hourlyCost {
		return nil
	}

	moved, err := m.transition(s.ID, models.BillingStateSuspended, models.BillingStateResuming, nil)
	if err != nil {
		return err
	}
	if !moved {
		// Another actor is already resuming this server
		return nil
	}

	return m.completeResume(ctx, s)
}

// RecoverResuming replays a resume that was interrupted between the Resuming
// claim and the panel call, such as by a crash or restart. Unsuspend is
// idempotent, so re-issuing it is safe; on gateway failure the server falls
// back to Suspended and the normal resume path retries it.
func (m *Machine) RecoverResuming(ctx context.Context, s *models.Server) error {
	if s.BillingState != models.BillingStateResuming {
		return nil
	}
	log.Printf("Lifecycle: server %d found stuck in resuming, replaying unsuspend", s.ID)
	return m.completeResume(ctx, s)
}

// completeResume issues the unsuspend for a server in Resuming and finishes
// the transition to Active. The billing clock restarts so time spent suspended
// or stuck mid-resume is never charged.
func (m *Machine) completeResume(ctx context.Context, s *models.Server) error {
	if err := m.gateway.Unsuspend(ctx, s.PanelServerID); err != nil {
		m.recordFailure(s.ID)
		if _, revertErr := m.transition(s.ID, models.BillingStateResuming, models.BillingStateSuspended, nil); revertErr != nil {
			log.Printf("Lifecycle: failed to revert server %d to suspended: %v", s.ID, revertErr)
		}
		return err
	}

	moved, err := m.transition(s.ID, models.BillingStateResuming, models.BillingStateActive, map[string]interface{}{
		"grace_entered_at":     nil,
		"consecutive_failures": 0,
		"last_charged_at":      m.now().UTC(),
	})
	if err != nil {
		return err
	}
	if moved {
		log.Printf("Lifecycle: server %d resumed", s.ID)
		m.notify(s, "Server resumed", "Your balance was topped up and your server is running again.", "success")
	}
	return nil
}

// recordFailure bumps the consecutive failure counter used for alerting
func (m *Machine) recordFailure(serverID uint) {
	if err := m.db.Model(&models.Server{}).
		Where("id = ?", serverID).
		Update("consecutive_failures", gorm.Expr("consecutive_failures + 1")).Error; err != nil {
		log.Printf("Lifecycle: failed to record gateway failure for server %d: %v", serverID, err)
	}
}

func (m *Machine) notify(s *models.Server, title, message, kind string) {
	serverID := s.ID
	n := models.Notification{
		UserID:    s.UserID,
		ServerID:  &serverID,
		Title:     title,
		Message:   message,
		Type:      kind,
		CreatedAt: m.now().UTC(),
	}
	if err := m.db.Create(&n).Error; err != nil {
		log.Printf("Lifecycle: failed to create notification for server %d: %v", s.ID, err)
	}
}

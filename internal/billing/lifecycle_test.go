package billing

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/coinpanel/backend/internal/models"
	"gorm.io/gorm"
)

type fakeGateway struct {
	suspendCalls   int
	unsuspendCalls int
	suspendErr     error
	unsuspendErr   error
}

func (f *fakeGateway) Suspend(ctx context.Context, panelServerID string) error {
	f.suspendCalls++
	return f.suspendErr
}

func (f *fakeGateway) Unsuspend(ctx context.Context, panelServerID string) error {
	f.unsuspendCalls++
	return f.unsuspendErr
}

func createTestServer(t *testing.T, db *gorm.DB, userID uint, state models.BillingState) *models.Server {
	t.Helper()

	server := models.Server{
		Name:          "craft-01",
		PanelServerID: "panel-abc",
		UserID:        userID,
		RAMMb:         1024,
		CPUPercent:    100,
		DiskMb:        10000,
		Allocations:   1,
		BillingState:  state,
		LastChargedAt: time.Now().UTC().Add(-time.Hour),
	}
	if err := db.Create(&server).Error; err != nil {
		t.Fatalf("failed to create test server: %v", err)
	}
	return &server
}

func reload(t *testing.T, db *gorm.DB, id uint) *models.Server {
	t.Helper()
	var server models.Server
	if err := db.First(&server, id).Error; err != nil {
		t.Fatalf("failed to reload server: %v", err)
	}
	return &server
}

// Every state pair outside the enumerated edges must be rejected.
func TestTransitionTableIsClosed(t *testing.T) {
	states := []models.BillingState{
		models.BillingStateActive,
		models.BillingStateGracePeriod,
		models.BillingStateSuspended,
		models.BillingStateResuming,
	}
	legal := map[models.BillingState]map[models.BillingState]bool{
		models.BillingStateActive:      {models.BillingStateGracePeriod: true},
		models.BillingStateGracePeriod: {models.BillingStateActive: true, models.BillingStateSuspended: true},
		models.BillingStateSuspended:   {models.BillingStateResuming: true},
		models.BillingStateResuming:    {models.BillingStateActive: true, models.BillingStateSuspended: true},
	}

	for _, from := range states {
		for _, to := range states {
			got := CanTransition(from, to)
			want := legal[from][to]
			if got != want {
				t.Errorf("CanTransition(%s, %s) = %v, want %v", from, to, got, want)
			}
		}
	}
}

func TestChargeFailedEntersGraceWithoutGatewayCall(t *testing.T) {
	db := newTestDB(t)
	user := createTestUser(t, db, 0)
	server := createTestServer(t, db, user.ID, models.BillingStateActive)
	gw := &fakeGateway{}
	machine := NewMachine(db, gw)

	if err := machine.ChargeFailed(context.Background(), server, 6); err != nil {
		t.Fatalf("ChargeFailed: %v", err)
	}

	got := reload(t, db, server.ID)
	if got.BillingState != models.BillingStateGracePeriod {
		t.Errorf("state = %s, want grace_period", got.BillingState)
	}
	if got.GraceEnteredAt == nil {
		t.Error("grace_entered_at not set")
	}
	if gw.suspendCalls != 0 {
		t.Errorf("suspend called %d times entering grace, want 0", gw.suspendCalls)
	}

	var n models.Notification
	if err := db.Where("user_id = ?", user.ID).First(&n).Error; err != nil {
		t.Error("grace entry did not create a notification")
	}
}

func TestChargeFailedKeepsGraceBeforeExpiry(t *testing.T) {
	db := newTestDB(t)
	user := createTestUser(t, db, 0)
	server := createTestServer(t, db, user.ID, models.BillingStateGracePeriod)

	entered := time.Now().UTC().Add(-2 * time.Hour)
	db.Model(server).Update("grace_entered_at", entered)
	server.GraceEnteredAt = &entered

	gw := &fakeGateway{}
	machine := NewMachine(db, gw)

	if err := machine.ChargeFailed(context.Background(), server, 6); err != nil {
		t.Fatalf("ChargeFailed: %v", err)
	}

	if got := reload(t, db, server.ID); got.BillingState != models.BillingStateGracePeriod {
		t.Errorf("state = %s, want grace_period (2h of 6h elapsed)", got.BillingState)
	}
	if gw.suspendCalls != 0 {
		t.Errorf("suspend called %d times before grace expiry, want 0", gw.suspendCalls)
	}
}

func TestChargeFailedSuspendsExactlyOnceAfterGraceExpiry(t *testing.T) {
	db := newTestDB(t)
	user := createTestUser(t, db, 0)
	server := createTestServer(t, db, user.ID, models.BillingStateGracePeriod)

	entered := time.Now().UTC().Add(-7 * time.Hour)
	db.Model(server).Update("grace_entered_at", entered)
	server.GraceEnteredAt = &entered

	gw := &fakeGateway{}
	machine := NewMachine(db, gw)

	if err := machine.ChargeFailed(context.Background(), server, 6); err != nil {
		t.Fatalf("ChargeFailed: %v", err)
	}

	if got := reload(t, db, server.ID); got.BillingState != models.BillingStateSuspended {
		t.Errorf("state = %s, want suspended", got.BillingState)
	}
	if gw.suspendCalls != 1 {
		t.Errorf("suspend called %d times, want exactly 1", gw.suspendCalls)
	}

	// A repeat on the now-suspended server must not call the gateway again
	suspended := reload(t, db, server.ID)
	if err := machine.ChargeFailed(context.Background(), suspended, 6); err != nil {
		t.Fatalf("ChargeFailed on suspended: %v", err)
	}
	if gw.suspendCalls != 1 {
		t.Errorf("suspend called %d times after repeat, want still 1", gw.suspendCalls)
	}
}

func TestChargeFailedSuspendGatewayErrorLeavesGrace(t *testing.T) {
	db := newTestDB(t)
	user := createTestUser(t, db, 0)
	server := createTestServer(t, db, user.ID, models.BillingStateGracePeriod)

	entered := time.Now().UTC().Add(-10 * time.Hour)
	db.Model(server).Update("grace_entered_at", entered)
	server.GraceEnteredAt = &entered

	gw := &fakeGateway{suspendErr: errors.New("panel unreachable")}
	machine := NewMachine(db, gw)

	if err := machine.ChargeFailed(context.Background(), server, 6); err == nil {
		t.Fatal("expected gateway error to propagate")
	}

	got := reload(t, db, server.ID)
	if got.BillingState != models.BillingStateGracePeriod {
		t.Errorf("state = %s, want grace_period (local state untouched on gateway failure)", got.BillingState)
	}
	if got.ConsecutiveFailures != 1 {
		t.Errorf("consecutive_failures = %d, want 1", got.ConsecutiveFailures)
	}

	// Next attempt after the outage succeeds and suspends
	gw.suspendErr = nil
	if err := machine.ChargeFailed(context.Background(), got, 6); err != nil {
		t.Fatalf("ChargeFailed retry: %v", err)
	}
	if got := reload(t, db, server.ID); got.BillingState != models.BillingStateSuspended {
		t.Errorf("state after retry = %s, want suspended", got.BillingState)
	}
}

func TestChargeSucceededReturnsFromGrace(t *testing.T) {
	db := newTestDB(t)
	user := createTestUser(t, db, 10)
	server := createTestServer(t, db, user.ID, models.BillingStateGracePeriod)

	entered := time.Now().UTC().Add(-time.Hour)
	db.Model(server).Updates(map[string]interface{}{
		"grace_entered_at":     entered,
		"consecutive_failures": 3,
	})

	machine := NewMachine(db, &fakeGateway{})
	server.BillingState = models.BillingStateGracePeriod
	if err := machine.ChargeSucceeded(server); err != nil {
		t.Fatalf("ChargeSucceeded: %v", err)
	}

	got := reload(t, db, server.ID)
	if got.BillingState != models.BillingStateActive {
		t.Errorf("state = %s, want active", got.BillingState)
	}
	if got.GraceEnteredAt != nil {
		t.Error("grace_entered_at not cleared")
	}
	if got.ConsecutiveFailures != 0 {
		t.Errorf("consecutive_failures = %d, want 0", got.ConsecutiveFailures)
	}
}

func TestMaybeResumeSkipsInsufficientBalance(t *testing.T) {
	db := newTestDB(t)
	user := createTestUser(t, db, 1)
	server := createTestServer(t, db, user.ID, models.BillingStateSuspended)
	gw := &fakeGateway{}
	machine := NewMachine(db, gw)

	if err := machine.MaybeResume(context.Background(), server, 2, 1); err != nil {
		t.Fatalf("MaybeResume: %v", err)
	}

	if got := reload(t, db, server.ID); got.BillingState != models.BillingStateSuspended {
		t.Errorf("state = %s, want suspended", got.BillingState)
	}
	if gw.unsuspendCalls != 0 {
		t.Errorf("unsuspend called %d times with insufficient balance, want 0", gw.unsuspendCalls)
	}
}

func TestMaybeResumeRestartsBillingClock(t *testing.T) {
	db := newTestDB(t)
	user := createTestUser(t, db, 10)
	server := createTestServer(t, db, user.ID, models.BillingStateSuspended)

	// The server sat suspended for a long time; that downtime must not be billed
	old := time.Now().UTC().Add(-72 * time.Hour)
	db.Model(server).Update("last_charged_at", old)

	gw := &fakeGateway{}
	machine := NewMachine(db, gw)
	before := time.Now().UTC()

	if err := machine.MaybeResume(context.Background(), server, 2, 10); err != nil {
		t.Fatalf("MaybeResume: %v", err)
	}

	got := reload(t, db, server.ID)
	if got.BillingState != models.BillingStateActive {
		t.Errorf("state = %s, want active", got.BillingState)
	}
	if gw.unsuspendCalls != 1 {
		t.Errorf("unsuspend called %d times, want 1", gw.unsuspendCalls)
	}
	if got.LastChargedAt.Before(before.Add(-time.Second)) {
		t.Errorf("last_charged_at = %v, want reset to resume time (suspended hours must not be charged)", got.LastChargedAt)
	}
}

func TestMaybeResumeRevertsOnGatewayFailure(t *testing.T) {
	db := newTestDB(t)
	user := createTestUser(t, db, 10)
	server := createTestServer(t, db, user.ID, models.BillingStateSuspended)

	gw := &fakeGateway{unsuspendErr: errors.New("panel unreachable")}
	machine := NewMachine(db, gw)

	if err := machine.MaybeResume(context.Background(), server, 2, 10); err == nil {
		t.Fatal("expected gateway error to propagate")
	}

	got := reload(t, db, server.ID)
	if got.BillingState != models.BillingStateSuspended {
		t.Errorf("state = %s, want suspended (reverted after failed unsuspend)", got.BillingState)
	}
	if got.ConsecutiveFailures != 1 {
		t.Errorf("consecutive_failures = %d, want 1", got.ConsecutiveFailures)
	}
}

// A crash between the Resuming claim and the panel call must not strand the
// server; the replay re-issues the idempotent unsuspend and finishes the
// transition.
func TestRecoverResumingReplaysInterruptedResume(t *testing.T) {
	db := newTestDB(t)
	user := createTestUser(t, db, 10)
	server := createTestServer(t, db, user.ID, models.BillingStateResuming)

	old := time.Now().UTC().Add(-72 * time.Hour)
	db.Model(server).Update("last_charged_at", old)

	gw := &fakeGateway{}
	machine := NewMachine(db, gw)
	before := time.Now().UTC()

	if err := machine.RecoverResuming(context.Background(), server); err != nil {
		t.Fatalf("RecoverResuming: %v", err)
	}

	got := reload(t, db, server.ID)
	if got.BillingState != models.BillingStateActive {
		t.Errorf("state = %s, want active", got.BillingState)
	}
	if gw.unsuspendCalls != 1 {
		t.Errorf("unsuspend called %d times, want 1", gw.unsuspendCalls)
	}
	if got.LastChargedAt.Before(before.Add(-time.Second)) {
		t.Errorf("last_charged_at = %v, want reset to replay time", got.LastChargedAt)
	}
}

func TestRecoverResumingFallsBackToSuspended(t *testing.T) {
	db := newTestDB(t)
	user := createTestUser(t, db, 10)
	server := createTestServer(t, db, user.ID, models.BillingStateResuming)

	gw := &fakeGateway{unsuspendErr: errors.New("panel unreachable")}
	machine := NewMachine(db, gw)

	if err := machine.RecoverResuming(context.Background(), server); err == nil {
		t.Fatal("expected gateway error to propagate")
	}

	got := reload(t, db, server.ID)
	if got.BillingState != models.BillingStateSuspended {
		t.Errorf("state = %s, want suspended (back on the normal resume path)", got.BillingState)
	}

	// The regular resume path picks the server up once the gateway is back
	gw.unsuspendErr = nil
	if err := machine.MaybeResume(context.Background(), got, 2, 10); err != nil {
		t.Fatalf("MaybeResume after recovery: %v", err)
	}
	if got := reload(t, db, server.ID); got.BillingState != models.BillingStateActive {
		t.Errorf("state after retry = %s, want active", got.BillingState)
	}
}

func TestRecoverResumingIgnoresOtherStates(t *testing.T) {
	db := newTestDB(t)
	user := createTestUser(t, db, 10)
	server := createTestServer(t, db, user.ID, models.BillingStateActive)
	gw := &fakeGateway{}
	machine := NewMachine(db, gw)

	if err := machine.RecoverResuming(context.Background(), server); err != nil {
		t.Fatalf("RecoverResuming: %v", err)
	}
	if gw.unsuspendCalls != 0 {
		t.Error("unsuspend must not be called for a server not in resuming")
	}
}

func TestMaybeResumeIgnoresNonSuspended(t *testing.T) {
	db := newTestDB(t)
	user := createTestUser(t, db, 10)
	server := createTestServer(t, db, user.ID, models.BillingStateActive)
	gw := &fakeGateway{}
	machine := NewMachine(db, gw)

	if err := machine.MaybeResume(context.Background(), server, 2, 10); err != nil {
		t.Fatalf("MaybeResume: %v", err)
	}
	if gw.unsuspendCalls != 0 {
		t.Error("unsuspend must not be called for a non-suspended server")
	}
}

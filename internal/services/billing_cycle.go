package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/coinpanel/backend/internal/billing"
	"github.com/coinpanel/backend/internal/database"
	"github.com/coinpanel/backend/internal/models"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// billingPeriod is the unit of charging. Ticks may run at any interval; charges
// are always prorated to whole elapsed periods since last_charged_at.
const billingPeriod = time.Hour

// BillingCycleService periodically charges every provisioned server its hourly
// coin cost and drives the suspend/resume lifecycle from the outcomes. Only one
// tick runs at a time; an overlapping tick is skipped and the whole-hour
// catch-up logic absorbs the gap on the next run.
type BillingCycleService struct {
	db      *gorm.DB
	ledger  *billing.Ledger
	machine *billing.Machine

	interval time.Duration
	workers  int

	stopChan  chan struct{}
	wg        sync.WaitGroup
	mu        sync.Mutex
	isRunning bool
	tickMu    sync.Mutex // prevents concurrent RunTick runs

	resumeChan chan uint // user ids whose suspended servers need a resume check

	now func() time.Time
}

// NewBillingCycleService creates a new billing cycle service
func NewBillingCycleService(db *gorm.DB, gateway billing.Gateway, interval time.Duration, workers int) *BillingCycleService {
	if interval <= 0 {
		interval = billingPeriod
	}
	if workers <= 0 {
		workers = 8
	}
	return &BillingCycleService{
		db:         db,
		ledger:     billing.NewLedger(db),
		machine:    billing.NewMachine(db, gateway),
		interval:   interval,
		workers:    workers,
		stopChan:   make(chan struct{}),
		resumeChan: make(chan uint, 256),
		now:        time.Now,
	}
}

// Ledger exposes the service's ledger so request handlers share the same writer
func (s *BillingCycleService) Ledger() *billing.Ledger {
	return s.ledger
}

// Start begins the billing cycle loop
func (s *BillingCycleService) Start() {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = true
	s.mu.Unlock()

	s.wg.Add(2)
	go s.run()
	go s.runResumeWorker()

	log.Printf("BillingCycleService started (interval: %v, workers: %d)", s.interval, s.workers)
}

// Stop stops the billing cycle service
func (s *BillingCycleService) Stop() {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = false
	s.mu.Unlock()

	close(s.stopChan)
	s.wg.Wait()
	log.Println("BillingCycleService stopped")
}

func (s *BillingCycleService) run() {
	defer s.wg.Done()

	// Run immediately on start so downtime is caught up right away
	s.RunTick(s.now().UTC())

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopChan:
			return
		case <-ticker.C:
			s.RunTick(s.now().UTC())
		}
	}
}

// RunTick executes one billing pass across all due servers. Safe to call
// directly; concurrent calls are skipped, not queued.
func (s *BillingCycleService) RunTick(now time.Time) {
	if !s.tickMu.TryLock() {
		log.Println("BillingCycle: previous tick still running, skipping")
		return
	}
	defer s.tickMu.Unlock()

	// One tick leader across instances; the TTL frees the lock after a crash
	if !database.AcquireTickLock(s.interval) {
		log.Println("BillingCycle: another instance holds the tick lock, skipping")
		return
	}
	defer database.ReleaseTickLock()

	rates := billing.LoadRates(s.db)
	if !rates.Enabled {
		return
	}

	// Soft deadline: servers not reached are simply picked up next tick
	ctx, cancel := context.WithTimeout(context.Background(), s.interval)
	defer cancel()

	var due []models.Server
	if err := s.db.
		Where("billing_state IN ?", []models.BillingState{models.BillingStateActive, models.BillingStateGracePeriod}).
		Where("last_charged_at <= ?", now.Add(-billingPeriod)).
		Find(&due).Error; err != nil {
		log.Printf("BillingCycle: failed to select due servers: %v", err)
		return
	}

	if len(due) > 0 {
		log.Printf("BillingCycle: charging %d due servers", len(due))

		jobs := make(chan models.Server)
		var workerWg sync.WaitGroup
		for i := 0; i < s.workers; i++ {
			workerWg.Add(1)
			go func() {
				defer workerWg.Done()
				for server := range jobs {
					if ctx.Err() != nil {
						continue
					}
					s.chargeServer(ctx, &server, rates, now)
				}
			}()
		}
		for _, server := range due {
			jobs <- server
		}
		close(jobs)
		workerWg.Wait()
	}

	// Reconcile suspended servers whose owners topped up while a resume was not
	// queued (or whose unsuspend failed on a previous attempt)
	s.resumeSuspended(ctx, rates)
}

// chargeServer realizes the cost of all whole hours elapsed since the server
// was last charged. A compare-and-set on last_charged_at claims the period
// first, so the same hours can never be charged twice; the claim is rolled back
// when the debit is not applied.
func (s *BillingCycleService) chargeServer(ctx context.Context, server *models.Server, rates billing.Rates, now time.Time) {
	elapsed := int64(now.Sub(server.LastChargedAt) / billingPeriod)
	if elapsed < 1 {
		return
	}

	// Bound the damage of long outages; hours beyond the window are forgiven
	var forgiven int64
	if elapsed > int64(rates.MaxCatchupHours) {
		forgiven = elapsed - int64(rates.MaxCatchupHours)
		elapsed = int64(rates.MaxCatchupHours)
	}

	hourly := rates.HourlyCost(server)
	cost := hourly * elapsed
	newLastCharged := server.LastChargedAt.Add(time.Duration(elapsed+forgiven) * billingPeriod)

	// Claim the billing period. The claim lands before the debit, so a crash
	// between the two forgives the claimed hours; the reverse order could
	// charge them twice.
	claim := s.db.Model(&models.Server{}).
		Where("id = ? AND last_charged_at = ?", server.ID, server.LastChargedAt).
		Update("last_charged_at", newLastCharged)
	if claim.Error != nil {
		log.Printf("BillingCycle: failed to claim period for server %d: %v", server.ID, claim.Error)
		return
	}
	if claim.RowsAffected == 0 {
		// Another worker already charged this period
		return
	}

	applied, balance, err := s.ledger.Debit(server.UserID, cost)
	if err != nil {
		s.revertClaim(server, newLastCharged)
		log.Printf("BillingCycle: debit failed for server %d: %v", server.ID, err)
		return
	}

	if applied {
		desc := fmt.Sprintf("Hourly charge: %d hour(s) x %d coins", elapsed, hourly)
		if forgiven > 0 {
			desc += fmt.Sprintf(" (%d hour(s) beyond catch-up window forgiven)", forgiven)
		}
		if err := s.ledger.RecordOutcome(server.UserID, &server.ID, cost, balance, models.LedgerOutcomeCharged, desc); err != nil {
			log.Printf("BillingCycle: failed to record charge for server %d: %v", server.ID, err)
		}
		if err := s.machine.ChargeSucceeded(server); err != nil {
			log.Printf("BillingCycle: post-charge transition failed for server %d: %v", server.ID, err)
		}
		return
	}

	// Insufficient balance: no partial debit happened, release the period so the
	// unchanged last_charged_at retries these hours next tick
	s.revertClaim(server, newLastCharged)

	desc := fmt.Sprintf("Charge failed: %d coins needed, %d available", cost, balance)
	if err := s.ledger.RecordOutcome(server.UserID, &server.ID, cost, balance, models.LedgerOutcomeInsufficient, desc); err != nil {
		log.Printf("BillingCycle: failed to record failed charge for server %d: %v", server.ID, err)
	}

	if err := s.machine.ChargeFailed(ctx, server, rates.GracePeriodHours); err != nil {
		if recErr := s.ledger.RecordOutcome(server.UserID, &server.ID, 0, balance, models.LedgerOutcomeGatewayError,
			fmt.Sprintf("Suspend failed: %v", err)); recErr != nil {
			log.Printf("BillingCycle: failed to record gateway error for server %d: %v", server.ID, recErr)
		}
		log.Printf("BillingCycle: suspend failed for server %d, will retry next tick: %v", server.ID, err)
	}
}

func (s *BillingCycleService) revertClaim(server *models.Server, claimed time.Time) {
	if err := s.db.Model(&models.Server{}).
		Where("id = ? AND last_charged_at = ?", server.ID, claimed).
		Update("last_charged_at", server.LastChargedAt).Error; err != nil {
		log.Printf("BillingCycle: failed to release period claim for server %d: %v", server.ID, err)
	}
}

// resumeSuspended re-evaluates every suspended server against its owner's
// balance, and replays servers stranded in Resuming by a crash or gateway
// outage. This is the replay path after process restarts.
func (s *BillingCycleService) resumeSuspended(ctx context.Context, rates billing.Rates) {
	var pending []models.Server
	if err := s.db.
		Where("billing_state IN ?", []models.BillingState{models.BillingStateSuspended, models.BillingStateResuming}).
		Find(&pending).Error; err != nil {
		log.Printf("BillingCycle: failed to select suspended servers: %v", err)
		return
	}

	for i := range pending {
		if ctx.Err() != nil {
			return
		}
		server := &pending[i]

		if server.BillingState == models.BillingStateResuming {
			if err := s.machine.RecoverResuming(ctx, server); err != nil {
				log.Printf("BillingCycle: resume replay failed for server %d, will retry next tick: %v", server.ID, err)
			}
			continue
		}

		balance, err := s.ledger.Balance(server.UserID)
		if err != nil {
			log.Printf("BillingCycle: failed to read balance for user %d: %v", server.UserID, err)
			continue
		}
		if err := s.machine.MaybeResume(ctx, server, rates.HourlyCost(server), balance); err != nil {
			log.Printf("BillingCycle: resume failed for server %d, will retry next tick: %v", server.ID, err)
		}
	}
}

// EnqueueResume asks for an out-of-band resume evaluation of the user's
// suspended servers, so a top-up takes effect without waiting for the next
// tick. Non-blocking; a full queue falls back to the next tick's reconcile.
func (s *BillingCycleService) EnqueueResume(userID uint) {
	select {
	case s.resumeChan <- userID:
	default:
		log.Printf("BillingCycle: resume queue full, user %d will be picked up next tick", userID)
	}
}

func (s *BillingCycleService) runResumeWorker() {
	defer s.wg.Done()

	for {
		select {
		case <-s.stopChan:
			return
		case userID := <-s.resumeChan:
			s.evaluateResume(userID)
		}
	}
}

// evaluateResume runs MaybeResume for every suspended server of one user
func (s *BillingCycleService) evaluateResume(userID uint) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	rates := billing.LoadRates(s.db)

	var servers []models.Server
	if err := s.db.
		Where("user_id = ? AND billing_state IN ?", userID,
			[]models.BillingState{models.BillingStateSuspended, models.BillingStateResuming}).
		Find(&servers).Error; err != nil {
		log.Printf("BillingCycle: failed to select suspended servers for user %d: %v", userID, err)
		return
	}

	for i := range servers {
		server := &servers[i]

		if server.BillingState == models.BillingStateResuming {
			if err := s.machine.RecoverResuming(ctx, server); err != nil {
				log.Printf("BillingCycle: resume replay failed for server %d, will retry next tick: %v", server.ID, err)
			}
			continue
		}

		balance, err := s.ledger.Balance(userID)
		if err != nil {
			log.Printf("BillingCycle: failed to read balance for user %d: %v", userID, err)
			return
		}
		if err := s.machine.MaybeResume(ctx, server, rates.HourlyCost(server), balance); err != nil {
			log.Printf("BillingCycle: resume failed for server %d, will retry next tick: %v", server.ID, err)
		}
	}
}

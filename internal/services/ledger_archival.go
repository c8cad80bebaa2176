package services

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/coinpanel/backend/internal/config"
	"github.com/coinpanel/backend/internal/database"
	"github.com/coinpanel/backend/internal/models"
	"github.com/jlaffaye/ftp"
	log "github.com/sirupsen/logrus"
)

// LedgerArchivalService moves ledger entries past the retention window into
// the archive table, optionally shipping a JSON export to an FTP target first.
// Entries themselves are immutable; archival only relocates them.
type LedgerArchivalService struct {
	cfg           *config.Config
	retentionDays int
	checkInterval time.Duration
	stopChan      chan struct{}
	wg            sync.WaitGroup
	mu            sync.Mutex
	isRunning     bool
}

// NewLedgerArchivalService creates a new archival service
func NewLedgerArchivalService(cfg *config.Config) *LedgerArchivalService {
	retentionDays := cfg.LedgerRetentionDays
	if retentionDays <= 0 {
		retentionDays = 90 // Default: keep 90 days
	}
	return &LedgerArchivalService{
		cfg:           cfg,
		retentionDays: retentionDays,
		checkInterval: 24 * time.Hour, // Check daily
		stopChan:      make(chan struct{}),
	}
}

// Start begins the archival service
func (s *LedgerArchivalService) Start() {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = true
	s.mu.Unlock()

	s.wg.Add(1)
	go s.run()

	log.Printf("LedgerArchivalService started (retention: %d days, check interval: %v)",
		s.retentionDays, s.checkInterval)
}

// Stop stops the archival service
func (s *LedgerArchivalService) Stop() {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = false
	s.mu.Unlock()

	close(s.stopChan)
	s.wg.Wait()
	log.Println("LedgerArchivalService stopped")
}

func (s *LedgerArchivalService) run() {
	defer s.wg.Done()

	// Wait until 3 AM for the first run to stay off peak hours
	s.scheduleFirstRun()

	ticker := time.NewTicker(s.checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopChan:
			return
		case <-ticker.C:
			s.archiveOldEntries()
		}
	}
}

// scheduleFirstRun waits until 3 AM before the first archival pass
func (s *LedgerArchivalService) scheduleFirstRun() {
	now := time.Now()
	next3AM := time.Date(now.Year(), now.Month(), now.Day(), 3, 0, 0, 0, now.Location())
	if now.After(next3AM) {
		next3AM = next3AM.Add(24 * time.Hour)
	}

	select {
	case <-time.After(next3AM.Sub(now)):
		s.archiveOldEntries()
	case <-s.stopChan:
	}
}

func (s *LedgerArchivalService) archiveOldEntries() {
	if database.DB == nil {
		return
	}

	cutoff := time.Now().UTC().AddDate(0, 0, -s.retentionDays)

	var entries []models.LedgerEntry
	if err := database.DB.Where("created_at < ?", cutoff).
		Order("created_at ASC").Limit(10000).Find(&entries).Error; err != nil {
		log.Printf("LedgerArchival: failed to select old entries: %v", err)
		return
	}
	if len(entries) == 0 {
		return
	}

	// Ship the export before touching the database so a failed upload never
	// leaves entries missing from both places
	if s.cfg.FTPHost != "" {
		if err := s.uploadExport(entries); err != nil {
			log.Printf("LedgerArchival: export upload failed, keeping entries for next run: %v", err)
			return
		}
	}

	archivedAt := time.Now().UTC()
	archived := 0
	for _, entry := range entries {
		row := models.LedgerEntryArchive{
			Reference:   entry.Reference,
			UserID:      entry.UserID,
			ServerID:    entry.ServerID,
			Amount:      entry.Amount,
			Balance:     entry.Balance,
			Outcome:     entry.Outcome,
			Description: entry.Description,
			CreatedAt:   entry.CreatedAt,
			ArchivedAt:  archivedAt,
		}
		if err := database.DB.Create(&row).Error; err != nil {
			log.Printf("LedgerArchival: failed to archive entry %s: %v", entry.Reference, err)
			continue
		}
		if err := database.DB.Delete(&models.LedgerEntry{}, entry.ID).Error; err != nil {
			log.Printf("LedgerArchival: failed to remove archived entry %s: %v", entry.Reference, err)
			continue
		}
		archived++
	}

	log.Printf("LedgerArchival: archived %d ledger entries older than %s", archived, cutoff.Format("2006-01-02"))
}

// uploadExport stores a JSON export of the entries on the configured FTP target
func (s *LedgerArchivalService) uploadExport(entries []models.LedgerEntry) error {
	data, err := json.Marshal(entries)
	if err != nil {
		return fmt.Errorf("failed to encode export: %w", err)
	}

	addr := fmt.Sprintf("%s:%d", s.cfg.FTPHost, s.cfg.FTPPort)
	conn, err := ftp.Dial(addr, ftp.DialWithTimeout(30*time.Second))
	if err != nil {
		return fmt.Errorf("failed to connect to FTP server: %w", err)
	}
	defer conn.Quit()

	if err := conn.Login(s.cfg.FTPUser, s.cfg.FTPPassword); err != nil {
		return fmt.Errorf("FTP login failed: %w", err)
	}

	if s.cfg.FTPDir != "" {
		// Ignore the error: the directory may already exist
		conn.MakeDir(s.cfg.FTPDir)
		if err := conn.ChangeDir(s.cfg.FTPDir); err != nil {
			return fmt.Errorf("failed to change to FTP directory: %w", err)
		}
	}

	filename := fmt.Sprintf("ledger-export-%s.json", time.Now().UTC().Format("20060102-150405"))
	if err := conn.Stor(filename, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("FTP upload failed: %w", err)
	}

	log.Printf("LedgerArchival: uploaded %s (%d entries, %.1f KB)", filename, len(entries), float64(len(data))/1024)
	return nil
}

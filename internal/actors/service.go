package actors

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/schemehub/internal/schemes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// touchInterval bounds how often a repeat claim rewrites last_seen_at.
const touchInterval = time.Minute

// ServiceConfig describes the dependencies required for actor tracking.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
}

// Service records which actor names have been seen and when, for the UI's
// recent-editors display.
type Service struct {
	db        *gorm.DB
	now       func() time.Time
	mu        sync.Mutex
	lastTouch map[string]time.Time
}

// NewService constructs the actor tracking service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("actors: database connection required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Service{
		db:        cfg.Database,
		now:       clock,
		lastTouch: make(map[string]time.Time),
	}, nil
}

// Touch upserts the actor record and refreshes its last-seen timestamp. Calls
// within the touch interval for the same name are coalesced in-process.
func (s *Service) Touch(actor schemes.Actor) error {
	now := s.now().UTC()

	s.mu.Lock()
	if previous, ok := s.lastTouch[actor.String()]; ok && now.Sub(previous) < touchInterval {
		s.mu.Unlock()
		return nil
	}
	s.lastTouch[actor.String()] = now
	s.mu.Unlock()

	record := Record{Name: actor.String(), FirstSeenAt: now, LastSeenAt: now}
	return s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "name"}},
		DoUpdates: clause.Assignments(map[string]interface{}{"last_seen_at": now}),
	}).Create(&record).Error
}

// RecentlySeen lists actors ordered by most recent activity.
func (s *Service) RecentlySeen(limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 20
	}
	var records []Record
	err := s.db.Order("last_seen_at DESC").Limit(limit).Find(&records).Error
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}
	return records, nil
}

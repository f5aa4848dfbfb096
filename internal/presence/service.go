package presence

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	// DefaultLeaseTTL is how long a fresh or extended lease stays valid.
	DefaultLeaseTTL = 90 * time.Second
	// DefaultMaxAhead caps how far past now heartbeats may push an expiry.
	DefaultMaxAhead = 120 * time.Second
	// DefaultHeartbeatThrottle is the minimum gap between persisted pings
	// of one session.
	DefaultHeartbeatThrottle = 5 * time.Second
)

var (
	// ErrDuplicateSession indicates an unexpired lease already exists for
	// the same user, client, page, and branch.
	ErrDuplicateSession = errors.New("presence: session already active")
	// ErrLeaseNotFound indicates no lease matched the request.
	ErrLeaseNotFound = errors.New("presence: lease not found")
	// ErrLeaseExpired indicates the lease exists but is past its expiry.
	ErrLeaseExpired = errors.New("presence: lease expired")
	// ErrInvalidSession indicates a malformed page, mode, or identity field.
	ErrInvalidSession = errors.New("presence: invalid session request")
	// ErrUnavailable indicates the lease store is unreachable.
	ErrUnavailable = errors.New("presence: lease store unavailable")
)

// HeartbeatStatus describes the outcome of a lease extension attempt.
type HeartbeatStatus string

const (
	// HeartbeatExtended means the expiry moved forward.
	HeartbeatExtended HeartbeatStatus = "extended"
	// HeartbeatThrottled means the ping arrived too soon after the last
	// one and was absorbed without a write. Callers treat it as success.
	HeartbeatThrottled HeartbeatStatus = "throttled"
	// HeartbeatMissing means no lease matched; the editing claim is gone.
	HeartbeatMissing HeartbeatStatus = "missing"
	// HeartbeatExpired means the lease had lapsed and was removed.
	HeartbeatExpired HeartbeatStatus = "expired"
)

// ServiceConfig describes the dependencies of the lease coordinator.
// Zero durations fall back to the defaults above.
type ServiceConfig struct {
	Database          *gorm.DB
	Clock             func() time.Time
	Logger            *zap.Logger
	LeaseTTL          time.Duration
	MaxAhead          time.Duration
	HeartbeatThrottle time.Duration
}

// Service owns the lease store: session creation, heartbeat extension,
// release, and roster computation with prune-on-read.
type Service struct {
	db       *gorm.DB
	clock    func() time.Time
	logger   *zap.Logger
	ttl      time.Duration
	maxAhead time.Duration
	throttle time.Duration

	mu        sync.Mutex
	lastPings map[string]time.Time
}

// NewService constructs the lease coordinator.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("presence: database connection required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	ttl := cfg.LeaseTTL
	if ttl <= 0 {
		ttl = DefaultLeaseTTL
	}
	maxAhead := cfg.MaxAhead
	if maxAhead <= 0 {
		maxAhead = DefaultMaxAhead
	}
	throttle := cfg.HeartbeatThrottle
	if throttle <= 0 {
		throttle = DefaultHeartbeatThrottle
	}
	return &Service{
		db:        cfg.Database,
		clock:     clock,
		logger:    logger,
		ttl:       ttl,
		maxAhead:  maxAhead,
		throttle:  throttle,
		lastPings: make(map[string]time.Time),
	}, nil
}

// CreateSessionInput identifies who is claiming an editing lease and where.
type CreateSessionInput struct {
	Page     string
	Branch   string
	Mode     string
	ClientID string
	UserID   string
	Username string
}

// SessionGrant is the successful result of CreateSession.
type SessionGrant struct {
	SessionID      string
	LeaseExpiresAt time.Time
	Roster         []Editor
}

// CreateSession prunes expired leases for the room, rejects a duplicate
// claim for the same (user, client, page, branch), and inserts a fresh
// lease. The returned roster reflects the room immediately after insertion.
func (s *Service) CreateSession(ctx context.Context, input CreateSessionInput) (*SessionGrant, error) {
	page := normalizePage(input.Page)
	if page == "" {
		return nil, fmt.Errorf("%w: page is required", ErrInvalidSession)
	}
	if input.UserID == "" || input.ClientID == "" {
		return nil, fmt.Errorf("%w: user and client ids are required", ErrInvalidSession)
	}
	branch := normalizeBranch(input.Branch)
	mode, ok := normalizeMode(input.Mode)
	if !ok {
		return nil, fmt.Errorf("%w: unknown mode %q", ErrInvalidSession, input.Mode)
	}

	now := s.clock().UTC()
	grant := &SessionGrant{}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := pruneRoom(tx, page, branch, now); err != nil {
			return err
		}

		var active int64
		err := tx.Model(&Lease{}).
			Where("user_id = ? AND client_id = ? AND page = ? AND branch = ?", input.UserID, input.ClientID, page, branch).
			Where("lease_expires_at > ?", now).
			Count(&active).Error
		if err != nil {
			return err
		}
		if active > 0 {
			return ErrDuplicateSession
		}

		lease := Lease{
			SessionID:      newSessionID(),
			UserID:         input.UserID,
			Username:       input.Username,
			ClientID:       input.ClientID,
			Page:           page,
			Branch:         branch,
			Mode:           mode,
			CreatedAt:      now,
			LeaseExpiresAt: now.Add(s.ttl),
		}
		if err := tx.Create(&lease).Error; err != nil {
			return err
		}

		roster, err := roomRoster(tx, page, branch, now)
		if err != nil {
			return err
		}
		grant.SessionID = lease.SessionID
		grant.LeaseExpiresAt = lease.LeaseExpiresAt
		grant.Roster = roster
		return nil
	})
	if errors.Is(err, ErrDuplicateSession) {
		return nil, ErrDuplicateSession
	}
	if err != nil {
		s.logger.Error("presence session creation failed",
			zap.String("page", page),
			zap.String("branch", branch),
			zap.Error(err))
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	s.logger.Info("presence session created",
		zap.String("page", page),
		zap.String("branch", branch),
		zap.String("session_id", grant.SessionID),
		zap.String("mode", mode))
	return grant, nil
}

// Heartbeat extends a lease's expiry. Pings inside the throttle window are
// absorbed without touching the store. A missing or lapsed lease is
// reported as such, and a lapsed one is deleted on the way out.
func (s *Service) Heartbeat(ctx context.Context, sessionID, userID, page, branch string) (HeartbeatStatus, error) {
	page = normalizePage(page)
	branch = normalizeBranch(branch)
	now := s.clock().UTC()

	if s.withinThrottle(sessionID, now) {
		return HeartbeatThrottled, nil
	}

	status := HeartbeatMissing
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var lease Lease
		err := tx.Where("session_id = ? AND user_id = ? AND page = ? AND branch = ?", sessionID, userID, page, branch).
			Take(&lease).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			status = HeartbeatMissing
			return nil
		}
		if err != nil {
			return err
		}
		if !lease.LeaseExpiresAt.After(now) {
			status = HeartbeatExpired
			return tx.Delete(&Lease{}, lease.ID).Error
		}

		base := lease.LeaseExpiresAt
		if base.Before(now) {
			base = now
		}
		newExpiry := base.Add(s.ttl)
		if ceiling := now.Add(s.maxAhead); newExpiry.After(ceiling) {
			newExpiry = ceiling
		}
		status = HeartbeatExtended
		return tx.Model(&Lease{}).
			Where("id = ?", lease.ID).
			Update("lease_expires_at", newExpiry).Error
	})
	if err != nil {
		s.logger.Error("presence heartbeat failed",
			zap.String("session_id", sessionID),
			zap.Error(err))
		return status, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	if status == HeartbeatExtended {
		s.recordPing(sessionID, now)
	} else {
		s.forgetPing(sessionID)
	}
	return status, nil
}

// Release drops a lease by session and user. It is idempotent and reports
// whether anything was actually removed.
func (s *Service) Release(ctx context.Context, sessionID, userID string) (bool, error) {
	result := s.db.WithContext(ctx).
		Where("session_id = ? AND user_id = ?", sessionID, userID).
		Delete(&Lease{})
	if result.Error != nil {
		s.logger.Error("presence release failed",
			zap.String("session_id", sessionID),
			zap.Error(result.Error))
		return false, fmt.Errorf("%w: %v", ErrUnavailable, result.Error)
	}
	s.forgetPing(sessionID)
	return result.RowsAffected > 0, nil
}

// Roster prunes the room, then returns every unexpired edit-mode lease.
func (s *Service) Roster(ctx context.Context, page, branch string) ([]Editor, error) {
	page = normalizePage(page)
	branch = normalizeBranch(branch)
	now := s.clock().UTC()

	var roster []Editor
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := pruneRoom(tx, page, branch, now); err != nil {
			return err
		}
		computed, err := roomRoster(tx, page, branch, now)
		if err != nil {
			return err
		}
		roster = computed
		return nil
	})
	if err != nil {
		s.logger.Error("presence roster read failed",
			zap.String("page", page),
			zap.String("branch", branch),
			zap.Error(err))
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return roster, nil
}

// ValidateSession checks that a realtime connection's lease exists, is
// unexpired, and matches the claimed identity, room, and mode. An expired
// lease is removed before the error is returned.
func (s *Service) ValidateSession(ctx context.Context, sessionID, userID, page, branch, mode string) error {
	page = normalizePage(page)
	branch = normalizeBranch(branch)
	normalizedMode, ok := normalizeMode(mode)
	if !ok {
		return fmt.Errorf("%w: unknown mode %q", ErrInvalidSession, mode)
	}
	now := s.clock().UTC()

	var lease Lease
	err := s.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Take(&lease).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrLeaseNotFound
	}
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if lease.UserID != userID || lease.Page != page || lease.Branch != branch || lease.Mode != normalizedMode {
		return ErrLeaseNotFound
	}
	if !lease.LeaseExpiresAt.After(now) {
		if err := s.db.WithContext(ctx).Delete(&Lease{}, lease.ID).Error; err != nil {
			s.logger.Warn("expired lease cleanup failed",
				zap.String("session_id", sessionID),
				zap.Error(err))
		}
		return ErrLeaseExpired
	}
	return nil
}

func pruneRoom(tx *gorm.DB, page, branch string, now time.Time) error {
	return tx.Where("page = ? AND branch = ? AND lease_expires_at <= ?", page, branch, now).
		Delete(&Lease{}).Error
}

func roomRoster(tx *gorm.DB, page, branch string, now time.Time) ([]Editor, error) {
	var leases []Lease
	err := tx.Where("page = ? AND branch = ? AND mode = ?", page, branch, ModeEdit).
		Where("lease_expires_at > ?", now).
		Order("created_at ASC, id ASC").
		Find(&leases).Error
	if err != nil {
		return nil, err
	}
	roster := make([]Editor, 0, len(leases))
	for _, lease := range leases {
		roster = append(roster, Editor{Username: lease.Username, ClientID: lease.ClientID})
	}
	return roster, nil
}

// Heartbeat throttling is process-local: a lease pinged through another
// instance pays at most one extra write, never a correctness cost.
func (s *Service) withinThrottle(sessionID string, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	last, seen := s.lastPings[sessionID]
	return seen && now.Sub(last) < s.throttle
}

func (s *Service) recordPing(sessionID string, now time.Time) {
	s.mu.Lock()
	s.lastPings[sessionID] = now
	s.mu.Unlock()
}

func (s *Service) forgetPing(sessionID string) {
	s.mu.Lock()
	delete(s.lastPings, sessionID)
	s.mu.Unlock()
}

func newSessionID() string {
	generated, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return generated.String()
}

func normalizePage(rawPage string) string {
	return strings.TrimSpace(rawPage)
}

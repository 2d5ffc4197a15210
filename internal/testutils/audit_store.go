package testutils

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"subscription_bot/internal/domain/audit"

	"github.com/google/uuid"
)

type auditKey struct {
	audit   uuid.UUID
	channel int64
}

// AuditStore is an in-memory audit.Repository.
type AuditStore struct {
	mu            sync.Mutex
	rows          map[auditKey]*audit.ChannelAudit
	ProgressSaves int
}

func NewAuditStore() *AuditStore {
	return &AuditStore{rows: make(map[auditKey]*audit.ChannelAudit)}
}

func (s *AuditStore) row(id uuid.UUID, channelID int64) *audit.ChannelAudit {
	k := auditKey{id, channelID}
	r, ok := s.rows[k]
	if !ok {
		r = &audit.ChannelAudit{AuditUUID: id, ChannelID: channelID, Status: audit.StatusPending, CreatedAt: time.Now()}
		s.rows[k] = r
	}
	r.UpdatedAt = time.Now()
	return r
}

// Put stores a row as-is.
func (s *AuditStore) Put(a *audit.ChannelAudit) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *a
	s.rows[auditKey{a.AuditUUID, a.ChannelID}] = &cp
}

func (s *AuditStore) CreateChannelAudits(_ context.Context, id uuid.UUID, channels []audit.Channel) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ch := range channels {
		s.row(id, ch.ID).ChannelName = ch.Name
	}
	return nil
}

func (s *AuditStore) StartChannelAudit(_ context.Context, id uuid.UUID, ch audit.Channel) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.row(id, ch.ID)
	r.ChannelName = ch.Name
	r.Status = audit.StatusRunning
	return nil
}

func (s *AuditStore) SaveChannelAuditProgress(_ context.Context, id uuid.UUID, channelID int64, checked int, users []int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.row(id, channelID)
	r.CheckedUsers = checked
	r.UsersToRemove = append([]int64(nil), users...)
	r.UsersToRemoveCount = len(users)
	s.ProgressSaves++
	return nil
}

func (s *AuditStore) CompleteChannelAudit(_ context.Context, id uuid.UUID, channelID int64, c audit.Counts) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.row(id, channelID)
	r.Status = audit.StatusCompleted
	r.TotalMembersAPI = c.TotalMembersAPI
	r.ActiveSubscribersDB = c.ActiveSubscribersDB
	r.InactiveInChannelDB = c.InactiveInChannelDB
	r.UnidentifiedMembers = c.UnidentifiedMembers
	r.UsersToRemove = append([]int64(nil), c.UsersToRemove...)
	r.UsersToRemoveCount = len(c.UsersToRemove)
	r.CompletedAt = sql.NullTime{Time: time.Now(), Valid: true}
	return nil
}

func (s *AuditStore) FailChannelAudit(_ context.Context, id uuid.UUID, channelID int64, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.row(id, channelID)
	r.Status = audit.StatusFailed
	r.ErrorMessage = sql.NullString{String: message, Valid: true}
	r.CompletedAt = sql.NullTime{Time: time.Now(), Valid: true}
	return nil
}

func (s *AuditStore) GetChannelAudit(_ context.Context, id uuid.UUID, channelID int64) (*audit.ChannelAudit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rows[auditKey{id, channelID}]
	if !ok {
		return nil, audit.ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (s *AuditStore) ListChannelAudits(_ context.Context, id uuid.UUID) ([]*audit.ChannelAudit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*audit.ChannelAudit
	for k, r := range s.rows {
		if k.audit == id {
			cp := *r
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *AuditStore) UpdateUsersToRemove(_ context.Context, id uuid.UUID, channelID int64, users []int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rows[auditKey{id, channelID}]
	if !ok {
		return audit.ErrNotFound
	}
	r.UsersToRemove = append([]int64(nil), users...)
	r.UsersToRemoveCount = len(users)
	return nil
}

func (s *AuditStore) FailStale(_ context.Context, reason string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, r := range s.rows {
		if r.Status == audit.StatusPending || r.Status == audit.StatusRunning {
			r.Status = audit.StatusFailed
			r.ErrorMessage = sql.NullString{String: reason, Valid: true}
			r.CompletedAt = sql.NullTime{Time: time.Now(), Valid: true}
			n++
		}
	}
	return n, nil
}

// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package sshsession

import (
	"fmt"
	"sort"
	"sync"
	"time"

	sshmcperrors "github.com/tombee/ssh-mcp/pkg/errors"
)

// Store is the in-memory session registry. All methods are safe for
// concurrent use; each holds the lock for the whole operation.
type Store struct {
	mu       sync.Mutex
	sessions map[string]Session
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{sessions: make(map[string]Session)}
}

// EnsureCapacity fails when the store already holds max sessions.
func (s *Store) EnsureCapacity(max int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.checkCapacityLocked(max)
}

// Add inserts sess, re-checking capacity under the same lock so concurrent
// opens can never exceed max.
func (s *Store) Add(sess Session, max int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkCapacityLocked(max); err != nil {
		return err
	}
	if _, exists := s.sessions[sess.ID]; exists {
		return &sshmcperrors.ValidationError{
			Field:   "session_id",
			Message: fmt.Sprintf("Session '%s' already exists.", sess.ID),
		}
	}
	s.sessions[sess.ID] = sess
	return nil
}

func (s *Store) checkCapacityLocked(max int) error {
	if len(s.sessions) >= max {
		return &sshmcperrors.ValidationError{
			Field:   "max_sessions",
			Message: fmt.Sprintf("Session limit reached (%d). Close a session before opening a new one.", max),
		}
	}
	return nil
}

// Get returns the session with id.
func (s *Store) Get(id string) (Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	return sess, ok
}

// Pop removes and returns the session with id.
func (s *Store) Pop(id string) (Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if ok {
		delete(s.sessions, id)
	}
	return sess, ok
}

// Touch sets the session's last-used time to now and returns the updated
// copy.
func (s *Store) Touch(id string, now time.Time) (Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return Session{}, false
	}
	sess.LastUsedAt = now
	s.sessions[id] = sess
	return sess, true
}

// RemoveExpired removes and returns every session idle for at least idle.
func (s *Store) RemoveExpired(idle time.Duration, now time.Time) []Session {
	s.mu.Lock()
	defer s.mu.Unlock()

	var expired []Session
	for id, sess := range s.sessions {
		if sess.Expired(idle, now) {
			expired = append(expired, sess)
			delete(s.sessions, id)
		}
	}
	sortByCreation(expired)
	return expired
}

// Drain removes and returns every session.
func (s *Store) Drain() []Session {
	s.mu.Lock()
	defer s.mu.Unlock()

	all := make([]Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		all = append(all, sess)
	}
	s.sessions = make(map[string]Session)
	sortByCreation(all)
	return all
}

// List returns a snapshot of all sessions ordered by creation time.
func (s *Store) List() []Session {
	s.mu.Lock()
	defer s.mu.Unlock()

	all := make([]Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		all = append(all, sess)
	}
	sortByCreation(all)
	return all
}

// Count returns the number of live sessions.
func (s *Store) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

func sortByCreation(sessions []Session) {
	sort.Slice(sessions, func(i, j int) bool {
		if sessions[i].CreatedAt.Equal(sessions[j].CreatedAt) {
			return sessions[i].ID < sessions[j].ID
		}
		return sessions[i].CreatedAt.Before(sessions[j].CreatedAt)
	})
}

// Copyright (c) 2025 Jeremy Hahn
// Copyright (c) 2025 Automate The Things, LLC
//
// This file is part of go-passkey.
//
// go-passkey is dual-licensed:
//
// 1. GNU Affero General Public License v3.0 (AGPL-3.0)
//    See LICENSE file or visit https://www.gnu.org/licenses/agpl-3.0.html
//
// 2. Commercial License
//    Contact licensing@automatethethings.com for commercial licensing options.

package passkey

import (
	"context"
	"encoding/hex"
	"sync"
	"time"
)

// MemoryUserStore is an in-memory implementation of UserStore.
// This is intended for development and testing only.
type MemoryUserStore struct {
	mu      sync.RWMutex
	byID    map[string]*DefaultUser
	byEmail map[string]*DefaultUser
}

// NewMemoryUserStore creates a new in-memory user store.
func NewMemoryUserStore() *MemoryUserStore {
	return &MemoryUserStore{
		byID:    make(map[string]*DefaultUser),
		byEmail: make(map[string]*DefaultUser),
	}
}

// GetByID retrieves a user by their handle.
func (s *MemoryUserStore) GetByID(ctx context.Context, userID []byte) (User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	user, ok := s.byID[hex.EncodeToString(userID)]
	if !ok {
		return nil, ErrUserNotFound
	}
	return user, nil
}

// GetByEmail retrieves a user by their email address.
func (s *MemoryUserStore) GetByEmail(ctx context.Context, email string) (User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	user, ok := s.byEmail[email]
	if !ok {
		return nil, ErrUserNotFound
	}
	return user, nil
}

// Create creates a new user with the given email and display name.
func (s *MemoryUserStore) Create(ctx context.Context, email, displayName string) (User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byEmail[email]; ok {
		return nil, ErrUserAlreadyExists
	}

	user := NewDefaultUser(email, displayName)
	s.byID[hex.EncodeToString(user.ID())] = user
	s.byEmail[email] = user

	return user, nil
}

// Delete removes a user by their handle.
func (s *MemoryUserStore) Delete(ctx context.Context, userID []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := hex.EncodeToString(userID)
	user, ok := s.byID[key]
	if !ok {
		return ErrUserNotFound
	}

	delete(s.byID, key)
	delete(s.byEmail, user.Email())
	return nil
}

// Count returns the number of stored users.
func (s *MemoryUserStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byID)
}

// MemoryChallengeStore is an in-memory implementation of ChallengeStore.
// This is intended for development and testing only.
type MemoryChallengeStore struct {
	mu         sync.Mutex
	challenges map[string]*Challenge
}

// NewMemoryChallengeStore creates a new in-memory challenge store.
func NewMemoryChallengeStore() *MemoryChallengeStore {
	return &MemoryChallengeStore{
		challenges: make(map[string]*Challenge),
	}
}

// Issue persists a freshly minted challenge.
func (s *MemoryChallengeStore) Issue(ctx context.Context, challenge *Challenge) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	copied := *challenge
	s.challenges[challenge.ID] = &copied
	return nil
}

// FindActive returns the most recently issued non-expired challenge for the
// given user and purpose. Latest IssuedAt wins; ties break on ID so
// selection stays deterministic.
func (s *MemoryChallengeStore) FindActive(ctx context.Context, userID []byte, purpose ChallengePurpose, now time.Time) (*Challenge, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var best *Challenge
	for _, ch := range s.challenges {
		if ch.Purpose != purpose || !ch.Active(now) {
			continue
		}
		if !sameOwner(ch.UserID, userID) {
			continue
		}
		if best == nil || ch.IssuedAt.After(best.IssuedAt) ||
			(ch.IssuedAt.Equal(best.IssuedAt) && ch.ID > best.ID) {
			best = ch
		}
	}
	if best == nil {
		return nil, ErrChallengeNotFound
	}

	copied := *best
	return &copied, nil
}

// Consume invalidates the challenge. Exactly one caller succeeds.
func (s *MemoryChallengeStore) Consume(ctx context.Context, challengeID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.challenges[challengeID]; !ok {
		return ErrChallengeNotFound
	}
	delete(s.challenges, challengeID)
	return nil
}

// DeleteExpired removes challenges whose expiry has passed.
func (s *MemoryChallengeStore) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, ch := range s.challenges {
		if !ch.Active(now) {
			delete(s.challenges, id)
			removed++
		}
	}
	return removed, nil
}

// Count returns the number of stored challenges, expired ones included.
func (s *MemoryChallengeStore) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.challenges)
}

func sameOwner(a, b []byte) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return hex.EncodeToString(a) == hex.EncodeToString(b)
}

// MemoryCredentialStore is an in-memory implementation of CredentialStore.
// This is intended for development and testing only.
type MemoryCredentialStore struct {
	mu     sync.Mutex
	byID   map[string]*Credential
	byUser map[string][]string
}

// NewMemoryCredentialStore creates a new in-memory credential store.
func NewMemoryCredentialStore() *MemoryCredentialStore {
	return &MemoryCredentialStore{
		byID:   make(map[string]*Credential),
		byUser: make(map[string][]string),
	}
}

// Create stores a new credential.
func (s *MemoryCredentialStore) Create(ctx context.Context, cred *Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := hex.EncodeToString(cred.ID)
	if _, ok := s.byID[key]; ok {
		return ErrDuplicateCredential
	}

	copied := *cred
	s.byID[key] = &copied
	userKey := hex.EncodeToString(cred.UserID)
	s.byUser[userKey] = append(s.byUser[userKey], key)
	return nil
}

// GetByCredentialID retrieves a credential by its ID.
func (s *MemoryCredentialStore) GetByCredentialID(ctx context.Context, credID []byte) (*Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cred, ok := s.byID[hex.EncodeToString(credID)]
	if !ok {
		return nil, ErrCredentialNotFound
	}
	copied := *cred
	return &copied, nil
}

// ListForUser retrieves all credentials for a user.
func (s *MemoryCredentialStore) ListForUser(ctx context.Context, userID []byte) ([]*Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	keys := s.byUser[hex.EncodeToString(userID)]
	creds := make([]*Credential, 0, len(keys))
	for _, key := range keys {
		if cred, ok := s.byID[key]; ok {
			copied := *cred
			creds = append(creds, &copied)
		}
	}
	return creds, nil
}

// UpdateAfterAuthentication advances the sign counter and last-used
// timestamp. The counter update is compare-and-set against the stored value.
func (s *MemoryCredentialStore) UpdateAfterAuthentication(ctx context.Context, credID []byte, newSignCount uint32, usedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cred, ok := s.byID[hex.EncodeToString(credID)]
	if !ok {
		return ErrCredentialNotFound
	}

	if newSignCount != 0 {
		if newSignCount <= cred.SignCount {
			return ErrCounterRegression
		}
		cred.SignCount = newSignCount
	}
	used := usedAt
	cred.LastUsedAt = &used
	return nil
}

// Delete removes a credential owned by the given user.
func (s *MemoryCredentialStore) Delete(ctx context.Context, credID, userID []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := hex.EncodeToString(credID)
	cred, ok := s.byID[key]
	if !ok {
		return ErrCredentialNotFound
	}
	userKey := hex.EncodeToString(userID)
	if hex.EncodeToString(cred.UserID) != userKey {
		return ErrCredentialNotFound
	}

	delete(s.byID, key)
	keys := s.byUser[userKey]
	for i, k := range keys {
		if k == key {
			s.byUser[userKey] = append(keys[:i], keys[i+1:]...)
			break
		}
	}
	return nil
}

// Count returns the number of stored credentials.
func (s *MemoryCredentialStore) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.byID)
}

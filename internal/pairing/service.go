// Package pairing turns anonymous platform identities into authorized
// channel users through short-lived numeric codes.
package pairing

import (
	"crypto/rand"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"courier/internal/store"
	"courier/pkg/protocol"
)

const (
	// CodeLength is the number of digits in a pairing code.
	CodeLength = 6

	// DefaultTTL is how long a pending code stays redeemable.
	DefaultTTL = 10 * time.Minute

	// maxCodeAttempts bounds collision retries during generation.
	maxCodeAttempts = 5
)

// AuthorizedFunc is invoked after a pairing approval creates or reuses a
// channel user.
type AuthorizedFunc func(user *store.ChannelUser)

// Service manages the pairing-code handshake. All state lives in the store;
// the mutex only serializes generate/approve read-modify-write sequences.
type Service struct {
	store *store.Store
	ttl   time.Duration

	mu           sync.Mutex
	onAuthorized AuthorizedFunc

	// now and newCode are swappable so tests can control expiry and
	// provoke code collisions.
	now     func() time.Time
	newCode func() (string, error)
}

// NewService creates a pairing service with the default code TTL.
func NewService(st *store.Store) *Service {
	return &Service{
		store:   st,
		ttl:     DefaultTTL,
		now:     time.Now,
		newCode: randomCode,
	}
}

// SetTTL overrides the code lifetime for subsequently generated codes.
func (s *Service) SetTTL(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d > 0 {
		s.ttl = d
	}
}

// SetAuthorizedHandler registers the callback fired on approval.
func (s *Service) SetAuthorizedHandler(fn AuthorizedFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onAuthorized = fn
}

// GenerateCode returns the pending code for the identity, creating one if
// none exists. Repeated calls for the same identity return the same code
// and expiry until it is redeemed or expires.
func (s *Service) GenerateCode(platformUserID string, platform protocol.Platform, displayName string) (*store.PairingRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()

	existing, err := s.store.GetPendingPairingForIdentity(platformUserID, platform)
	if err == nil {
		if !existing.ExpiredAt(now) {
			return existing, nil
		}
		// Stale pending code: mark it and fall through to a fresh one.
		if uerr := s.store.UpdatePairingStatus(existing.Code, store.PairingExpired); uerr != nil {
			log.Printf("[Pairing] Failed to expire stale code %s: %v", existing.Code, uerr)
		}
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("failed to look up pending pairing: %w", err)
	}

	return s.createLocked(platformUserID, platform, displayName, now)
}

// RefreshCode expires any pending code for the identity and issues a new one.
func (s *Service) RefreshCode(platformUserID string, platform protocol.Platform, displayName string) (*store.PairingRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, err := s.store.GetPendingPairingForIdentity(platformUserID, platform)
	if err == nil {
		if uerr := s.store.UpdatePairingStatus(existing.Code, store.PairingExpired); uerr != nil {
			return nil, fmt.Errorf("failed to expire code %s: %w", existing.Code, uerr)
		}
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("failed to look up pending pairing: %w", err)
	}

	return s.createLocked(platformUserID, platform, displayName, s.now())
}

// createLocked persists a new pending request, retrying on code collision.
// Callers hold s.mu.
func (s *Service) createLocked(platformUserID string, platform protocol.Platform, displayName string, now time.Time) (*store.PairingRequest, error) {
	for attempt := 0; attempt < maxCodeAttempts; attempt++ {
		code, err := s.newCode()
		if err != nil {
			return nil, fmt.Errorf("failed to generate pairing code: %w", err)
		}

		req := &store.PairingRequest{
			Code:           code,
			PlatformUserID: platformUserID,
			Platform:       platform,
			DisplayName:    displayName,
			Status:         store.PairingPending,
			RequestedAt:    now,
			ExpiresAt:      now.Add(s.ttl),
		}

		if err := s.store.CreatePairingRequest(req); err != nil {
			if errors.Is(err, store.ErrConflict) {
				// Code collision on the primary key; try a new one.
				log.Printf("[Pairing] Code collision on attempt %d", attempt+1)
				continue
			}
			return nil, fmt.Errorf("failed to persist pairing request: %w", err)
		}

		log.Printf("[Pairing] Issued code for %s user %s (expires %s)",
			platform, platformUserID, req.ExpiresAt.Format(time.RFC3339))
		return req, nil
	}

	return nil, fmt.Errorf("failed to generate a unique pairing code after %d attempts", maxCodeAttempts)
}

// Approve redeems a pending code: it creates (or reuses) the channel user
// for the code's identity and marks the request approved.
func (s *Service) Approve(code string) (*store.ChannelUser, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	req, err := s.store.GetPairingRequest(code)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("unknown pairing code")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load pairing request: %w", err)
	}

	if req.Status == store.PairingPending && req.ExpiredAt(s.now()) {
		if uerr := s.store.UpdatePairingStatus(code, store.PairingExpired); uerr != nil {
			log.Printf("[Pairing] Failed to expire code %s: %v", code, uerr)
		}
		return nil, fmt.Errorf("pairing code has expired")
	}
	if req.Status != store.PairingPending {
		return nil, fmt.Errorf("pairing code is already %s", req.Status)
	}

	user, err := s.store.GetChannelUserByIdentity(req.PlatformUserID, req.Platform)
	if errors.Is(err, store.ErrNotFound) {
		user, err = s.store.CreateChannelUser(req.PlatformUserID, req.Platform, req.DisplayName)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to authorize user: %w", err)
	}

	if err := s.store.UpdatePairingStatus(code, store.PairingApproved); err != nil {
		return nil, fmt.Errorf("failed to mark pairing approved: %w", err)
	}

	log.Printf("[Pairing] Approved %s user %s", req.Platform, req.PlatformUserID)

	if s.onAuthorized != nil {
		s.onAuthorized(user)
	}

	return user, nil
}

// Reject marks a pending code rejected. The identity stays unauthorized.
func (s *Service) Reject(code string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	req, err := s.store.GetPairingRequest(code)
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("unknown pairing code")
	}
	if err != nil {
		return fmt.Errorf("failed to load pairing request: %w", err)
	}

	if req.Status == store.PairingPending && req.ExpiredAt(s.now()) {
		if uerr := s.store.UpdatePairingStatus(code, store.PairingExpired); uerr != nil {
			log.Printf("[Pairing] Failed to expire code %s: %v", code, uerr)
		}
		return fmt.Errorf("pairing code has expired")
	}
	if req.Status != store.PairingPending {
		return fmt.Errorf("pairing code is already %s", req.Status)
	}

	if err := s.store.UpdatePairingStatus(code, store.PairingRejected); err != nil {
		return fmt.Errorf("failed to mark pairing rejected: %w", err)
	}

	log.Printf("[Pairing] Rejected %s user %s", req.Platform, req.PlatformUserID)
	return nil
}

// IsAuthorized reports whether the identity already has a channel user.
func (s *Service) IsAuthorized(platformUserID string, platform protocol.Platform) bool {
	_, err := s.store.GetChannelUserByIdentity(platformUserID, platform)
	return err == nil
}

// PendingRequest returns the live pending code for the identity. A code past
// its deadline is marked expired and reported as absent, even if the sweep
// has not run yet.
func (s *Service) PendingRequest(platformUserID string, platform protocol.Platform) (*store.PairingRequest, error) {
	req, err := s.store.GetPendingPairingForIdentity(platformUserID, platform)
	if err != nil {
		return nil, err
	}

	if req.ExpiredAt(s.now()) {
		if uerr := s.store.UpdatePairingStatus(req.Code, store.PairingExpired); uerr != nil {
			log.Printf("[Pairing] Failed to expire code %s: %v", req.Code, uerr)
		}
		return nil, store.ErrNotFound
	}

	return req, nil
}

// PendingRequests lists every live pending code, filtering anything past its
// deadline.
func (s *Service) PendingRequests() ([]*store.PairingRequest, error) {
	all, err := s.store.ListPendingPairingRequests()
	if err != nil {
		return nil, err
	}

	now := s.now()
	live := make([]*store.PairingRequest, 0, len(all))
	for _, req := range all {
		if req.ExpiredAt(now) {
			continue
		}
		live = append(live, req)
	}

	return live, nil
}

// Sweep deletes expired and terminal requests from the store. Wired to the
// orchestrator's periodic scheduler.
func (s *Service) Sweep() {
	removed, err := s.store.SweepPairingRequests(s.now())
	if err != nil {
		log.Printf("[Pairing] Sweep failed: %v", err)
		return
	}
	if removed > 0 {
		log.Printf("[Pairing] Sweep removed %d stale pairing requests", removed)
	}
}

// randomCode produces a fixed-length numeric code from crypto/rand. Bytes
// of 250 and above are discarded so every digit is equally likely.
func randomCode() (string, error) {
	code := make([]byte, 0, CodeLength)
	buf := make([]byte, 1)
	for len(code) < CodeLength {
		if _, err := rand.Read(buf); err != nil {
			return "", err
		}
		if buf[0] >= 250 {
			continue
		}
		code = append(code, '0'+buf[0]%10)
	}

	return string(code), nil
}

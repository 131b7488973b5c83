package store

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"courier/pkg/protocol"
)

// PairingStatus is the lifecycle state of a pairing request. A request moves
// from pending to exactly one terminal status and never transitions again.
type PairingStatus string

const (
	PairingPending  PairingStatus = "pending"
	PairingApproved PairingStatus = "approved"
	PairingRejected PairingStatus = "rejected"
	PairingExpired  PairingStatus = "expired"
)

// Terminal reports whether the status is final.
func (p PairingStatus) Terminal() bool {
	return p == PairingApproved || p == PairingRejected || p == PairingExpired
}

// PairingRequest is one pairing-code handshake for an anonymous identity.
type PairingRequest struct {
	Code           string            `json:"code"`
	PlatformUserID string            `json:"platform_user_id"`
	Platform       protocol.Platform `json:"platform"`
	DisplayName    string            `json:"display_name"`
	Status         PairingStatus     `json:"status"`
	RequestedAt    time.Time         `json:"requested_at"`
	ExpiresAt      time.Time         `json:"expires_at"`
}

// ExpiredAt reports whether the request is past its deadline at the given
// instant, regardless of its persisted status.
func (r *PairingRequest) ExpiredAt(now time.Time) bool {
	return now.After(r.ExpiresAt)
}

// CreatePairingRequest inserts a new pending request. A primary-key conflict
// on the code surfaces as ErrConflict so the caller can retry with a new one.
func (s *Store) CreatePairingRequest(req *PairingRequest) error {
	_, err := s.db.Exec(`
		INSERT INTO pairing_requests (code, platform_user_id, platform, display_name, status, requested_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`,
		req.Code,
		req.PlatformUserID,
		string(req.Platform),
		req.DisplayName,
		string(req.Status),
		req.RequestedAt,
		req.ExpiresAt,
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return fmt.Errorf("pairing code %s: %w", req.Code, ErrConflict)
		}
		return fmt.Errorf("failed to create pairing request: %w", err)
	}

	return nil
}

// GetPairingRequest retrieves a request by code.
func (s *Store) GetPairingRequest(code string) (*PairingRequest, error) {
	row := s.db.QueryRow(`
		SELECT code, platform_user_id, platform, display_name, status, requested_at, expires_at
		FROM pairing_requests WHERE code = ?
	`, code)

	req, err := scanPairingRequest(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("pairing request %s: %w", code, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get pairing request: %w", err)
	}

	return req, nil
}

// GetPendingPairingForIdentity returns the most recent pending request for an
// identity, if one exists. Expiry is evaluated by the caller.
func (s *Store) GetPendingPairingForIdentity(platformUserID string, platform protocol.Platform) (*PairingRequest, error) {
	row := s.db.QueryRow(`
		SELECT code, platform_user_id, platform, display_name, status, requested_at, expires_at
		FROM pairing_requests
		WHERE platform_user_id = ? AND platform = ? AND status = ?
		ORDER BY requested_at DESC
		LIMIT 1
	`, platformUserID, string(platform), string(PairingPending))

	req, err := scanPairingRequest(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("pending pairing for %s: %w", platformUserID, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get pending pairing: %w", err)
	}

	return req, nil
}

// ListPendingPairingRequests returns all requests still awaiting a decision.
func (s *Store) ListPendingPairingRequests() ([]*PairingRequest, error) {
	rows, err := s.db.Query(`
		SELECT code, platform_user_id, platform, display_name, status, requested_at, expires_at
		FROM pairing_requests
		WHERE status = ?
		ORDER BY requested_at
	`, string(PairingPending))
	if err != nil {
		return nil, fmt.Errorf("failed to query pairing requests: %w", err)
	}
	defer rows.Close()

	var requests []*PairingRequest
	for rows.Next() {
		req, err := scanPairingRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan pairing request: %w", err)
		}
		requests = append(requests, req)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}

	return requests, nil
}

// UpdatePairingStatus moves a request to a new status. The transition guard
// lives in the pairing service; this is a plain write.
func (s *Store) UpdatePairingStatus(code string, status PairingStatus) error {
	result, err := s.db.Exec(`
		UPDATE pairing_requests SET status = ? WHERE code = ?
	`, string(status), code)
	if err != nil {
		return fmt.Errorf("failed to update pairing status: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check affected rows: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("pairing request %s: %w", code, ErrNotFound)
	}

	return nil
}

// SweepPairingRequests deletes requests that are past their expiry or already
// terminal, bounding storage growth. Returns the number of rows removed.
func (s *Store) SweepPairingRequests(now time.Time) (int64, error) {
	result, err := s.db.Exec(`
		DELETE FROM pairing_requests
		WHERE expires_at < ? OR status != ?
	`, now, string(PairingPending))
	if err != nil {
		return 0, fmt.Errorf("failed to sweep pairing requests: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to check affected rows: %w", err)
	}

	return affected, nil
}

func scanPairingRequest(row rowScanner) (*PairingRequest, error) {
	var req PairingRequest
	var platform, status string

	err := row.Scan(
		&req.Code,
		&req.PlatformUserID,
		&platform,
		&req.DisplayName,
		&status,
		&req.RequestedAt,
		&req.ExpiresAt,
	)
	if err != nil {
		return nil, err
	}

	req.Platform = protocol.Platform(platform)
	req.Status = PairingStatus(status)
	return &req, nil
}

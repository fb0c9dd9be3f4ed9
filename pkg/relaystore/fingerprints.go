package relaystore

import (
	"context"
	"database/sql"
	"encoding/hex"
	"strings"
	"time"

	terr "github.com/tetherline/tether/pkg/errors"
	"github.com/tetherline/tether/pkg/fingerprint"
)

// FingerprintRecord is the persisted trust-on-first-use record for a
// machine's tunnel host key.
type FingerprintRecord struct {
	MachineID   string
	Fingerprint [fingerprint.Size]byte
	FirstSeen   time.Time
}

// CheckFingerprint implements trust-on-first-use: if no record exists for
// machineID, it is recorded and accepted. If a record exists and matches,
// it is accepted. If a record exists and differs, a *fingerprint.Mismatch
// is returned and the stored value is left untouched until an explicit
// Accept call overwrites it: accepting replaces the stored fingerprint,
// rejecting disconnects.
func (s *Store) CheckFingerprint(ctx context.Context, machineID string, fp [fingerprint.Size]byte) error {
	var hexVal string
	err := s.db.QueryRowContext(ctx, s.rebind(`SELECT fingerprint_hex FROM fingerprints WHERE machine_id = ?`), machineID).Scan(&hexVal)
	if err == sql.ErrNoRows {
		return s.recordFingerprint(ctx, machineID, fp)
	}
	if err != nil {
		return terr.Wrap(err, "relaystore: check fingerprint")
	}
	existing, err := parseFingerprintHex(hexVal)
	if err != nil {
		return terr.Wrap(err, "relaystore: parse stored fingerprint")
	}
	if !fingerprint.Equal(existing, fp) {
		return &fingerprint.Mismatch{MachineID: machineID, Old: existing, New: fp}
	}
	return nil
}

// GetFingerprint returns the currently trusted fingerprint for a machine,
// or NotFound if none has been recorded yet.
func (s *Store) GetFingerprint(ctx context.Context, machineID string) (*FingerprintRecord, error) {
	var hexVal string
	var firstSeen int64
	err := s.db.QueryRowContext(ctx, s.rebind(`SELECT fingerprint_hex, first_seen FROM fingerprints WHERE machine_id = ?`), machineID).Scan(&hexVal, &firstSeen)
	if err == sql.ErrNoRows {
		return nil, terr.NewNotFound("no fingerprint recorded for machine")
	}
	if err != nil {
		return nil, terr.Wrap(err, "relaystore: get fingerprint")
	}
	fp, err := parseFingerprintHex(hexVal)
	if err != nil {
		return nil, terr.Wrap(err, "relaystore: parse stored fingerprint")
	}
	return &FingerprintRecord{MachineID: machineID, Fingerprint: fp, FirstSeen: time.Unix(firstSeen, 0)}, nil
}

// AcceptFingerprint overwrites the stored fingerprint after the user
// explicitly accepts a mismatch prompt.
func (s *Store) AcceptFingerprint(ctx context.Context, machineID string, fp [fingerprint.Size]byte) error {
	return s.recordFingerprint(ctx, machineID, fp)
}

func (s *Store) recordFingerprint(ctx context.Context, machineID string, fp [fingerprint.Size]byte) error {
	_, err := s.db.ExecContext(ctx,
		s.rebind(`INSERT INTO fingerprints (machine_id, fingerprint_hex, first_seen) VALUES (?, ?, ?)
		 ON CONFLICT(machine_id) DO UPDATE SET fingerprint_hex = excluded.fingerprint_hex`),
		machineID, fingerprint.Hex(fp), unixNow())
	if err != nil {
		return terr.Wrap(err, "relaystore: record fingerprint")
	}
	return nil
}

func parseFingerprintHex(s string) ([fingerprint.Size]byte, error) {
	var out [fingerprint.Size]byte
	raw, err := hex.DecodeString(strings.ReplaceAll(s, ":", ""))
	if err != nil {
		return out, terr.NewInvalidArgument("malformed stored fingerprint")
	}
	if len(raw) != fingerprint.Size {
		return out, terr.NewInvalidArgument("stored fingerprint has wrong length")
	}
	copy(out[:], raw)
	return out, nil
}

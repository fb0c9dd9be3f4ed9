package relaystore

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	terr "github.com/tetherline/tether/pkg/errors"
)

type MachineStatus string

const (
	MachineOnline  MachineStatus = "online"
	MachineOffline MachineStatus = "offline"
)

type Machine struct {
	MachineID   string
	OwnerUserID string
	DisplayName string
	Status      MachineStatus
	RegisteredAt time.Time
	LastSeen    time.Time
	Metadata    map[string]string
}

// RegisterMachine inserts a machine. Ownership is immutable once set;
// a second registration of the same id is AlreadyExists.
func (s *Store) RegisterMachine(ctx context.Context, m *Machine) error {
	meta, err := json.Marshal(m.Metadata)
	if err != nil {
		return terr.Wrap(err, "relaystore: marshal machine metadata")
	}
	now := unixNow()
	_, err = s.db.ExecContext(ctx,
		s.rebind(`INSERT INTO machines (machine_id, owner_user_id, display_name, status, registered_at, last_seen, metadata_json) VALUES (?, ?, ?, ?, ?, ?, ?)`),
		m.MachineID, m.OwnerUserID, m.DisplayName, string(MachineOffline), now, now, string(meta))
	if err != nil {
		if isUniqueViolation(err) {
			return terr.NewAlreadyExists("machine already registered")
		}
		return terr.Wrap(err, "relaystore: register machine")
	}
	return nil
}

func (s *Store) GetMachine(ctx context.Context, machineID string) (*Machine, error) {
	row := s.db.QueryRowContext(ctx,
		s.rebind(`SELECT machine_id, owner_user_id, display_name, status, registered_at, last_seen, metadata_json FROM machines WHERE machine_id = ?`),
		machineID)
	return scanMachine(row)
}

func (s *Store) ListMachinesByOwner(ctx context.Context, ownerUserID string) ([]*Machine, error) {
	rows, err := s.db.QueryContext(ctx,
		s.rebind(`SELECT machine_id, owner_user_id, display_name, status, registered_at, last_seen, metadata_json FROM machines WHERE owner_user_id = ?`),
		ownerUserID)
	if err != nil {
		return nil, terr.Wrap(err, "relaystore: list machines")
	}
	defer rows.Close()
	var out []*Machine
	for rows.Next() {
		m, err := scanMachine(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// SetMachineStatus updates status and sets last_seen to now, for either
// status. Used by the tunnel registry on attach/detach: a machine is
// offline iff no tunnel session exists for it.
func (s *Store) SetMachineStatus(ctx context.Context, machineID string, status MachineStatus) error {
	res, err := s.db.ExecContext(ctx,
		s.rebind(`UPDATE machines SET status = ?, last_seen = ? WHERE machine_id = ?`),
		string(status), unixNow(), machineID)
	if err != nil {
		return terr.Wrap(err, "relaystore: set machine status")
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return terr.NewNotFound("machine not found")
	}
	return nil
}

func (s *Store) TouchMachineHeartbeat(ctx context.Context, machineID string) error {
	res, err := s.db.ExecContext(ctx, s.rebind(`UPDATE machines SET last_seen = ? WHERE machine_id = ?`), unixNow(), machineID)
	if err != nil {
		return terr.Wrap(err, "relaystore: touch heartbeat")
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return terr.NewNotFound("machine not found")
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMachine(row rowScanner) (*Machine, error) {
	var m Machine
	var status, meta string
	var registeredAt, lastSeen int64
	err := row.Scan(&m.MachineID, &m.OwnerUserID, &m.DisplayName, &status, &registeredAt, &lastSeen, &meta)
	if err == sql.ErrNoRows {
		return nil, terr.NewNotFound("machine not found")
	}
	if err != nil {
		return nil, terr.Wrap(err, "relaystore: scan machine")
	}
	m.Status = MachineStatus(status)
	m.RegisteredAt = time.Unix(registeredAt, 0)
	m.LastSeen = time.Unix(lastSeen, 0)
	_ = json.Unmarshal([]byte(meta), &m.Metadata)
	return &m, nil
}

package relaystore

import (
	"context"
	"database/sql"
	"time"

	terr "github.com/tetherline/tether/pkg/errors"
)

// Certificate is metadata for a certificate an external provisioning step
// issued. Generating certificates is out of scope here; this store only
// records and revokes what was issued elsewhere.
type Certificate struct {
	ID           string
	MachineID    string // empty if not machine-scoped
	SubjectCN    string
	SerialNumber string
	NotBefore    time.Time
	NotAfter     time.Time
	PEMCert      string
	Revoked      bool
	CreatedAt    time.Time
}

func (s *Store) CreateCertificate(ctx context.Context, c *Certificate) error {
	_, err := s.db.ExecContext(ctx,
		s.rebind(`INSERT INTO certificates (id, machine_id, subject_cn, serial_number, not_before, not_after, pem_cert, revoked, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?)`),
		c.ID, nullableString(c.MachineID), c.SubjectCN, c.SerialNumber, c.NotBefore.Unix(), c.NotAfter.Unix(), c.PEMCert, unixNow())
	if err != nil {
		return terr.Wrap(err, "relaystore: create certificate")
	}
	return nil
}

func (s *Store) GetCertificate(ctx context.Context, id string) (*Certificate, error) {
	row := s.db.QueryRowContext(ctx,
		s.rebind(`SELECT id, COALESCE(machine_id,''), subject_cn, serial_number, not_before, not_after, pem_cert, revoked, created_at
		 FROM certificates WHERE id = ?`), id)
	return scanCertificate(row)
}

func (s *Store) GetMachineCertificates(ctx context.Context, machineID string) ([]*Certificate, error) {
	rows, err := s.db.QueryContext(ctx,
		s.rebind(`SELECT id, COALESCE(machine_id,''), subject_cn, serial_number, not_before, not_after, pem_cert, revoked, created_at
		 FROM certificates WHERE machine_id = ? AND revoked = 0 ORDER BY created_at DESC`), machineID)
	if err != nil {
		return nil, terr.Wrap(err, "relaystore: list machine certificates")
	}
	defer rows.Close()
	var out []*Certificate
	for rows.Next() {
		c, err := scanCertificate(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *Store) RevokeCertificate(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, s.rebind(`UPDATE certificates SET revoked = 1 WHERE id = ?`), id)
	if err != nil {
		return false, terr.Wrap(err, "relaystore: revoke certificate")
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func scanCertificate(row rowScanner) (*Certificate, error) {
	var c Certificate
	var notBefore, notAfter, createdAt int64
	var revoked int
	err := row.Scan(&c.ID, &c.MachineID, &c.SubjectCN, &c.SerialNumber, &notBefore, &notAfter, &c.PEMCert, &revoked, &createdAt)
	if err == sql.ErrNoRows {
		return nil, terr.NewNotFound("certificate not found")
	}
	if err != nil {
		return nil, terr.Wrap(err, "relaystore: scan certificate")
	}
	c.NotBefore = time.Unix(notBefore, 0)
	c.NotAfter = time.Unix(notAfter, 0)
	c.Revoked = revoked != 0
	c.CreatedAt = time.Unix(createdAt, 0)
	return &c, nil
}

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/Mindburn-Labs/ownables/pkg/eventchain"
)

// sqlStore implements ChainStore over database/sql. Queries are written with
// '?' placeholders and rebound for drivers that number them.
type sqlStore struct {
	db       *sql.DB
	numbered bool
}

func (s *sqlStore) q(query string) string {
	if !s.numbered {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *sqlStore) Get(ctx context.Context, id string) (*Record, error) {
	var (
		rec       = &Record{ID: id}
		chainJSON string
		updated   int64
	)
	err := s.db.QueryRowContext(ctx,
		s.q(`SELECT package_cid, chain, applied_hash, updated_at FROM ownables WHERE id = ?`), id,
	).Scan(&rec.Package, &chainJSON, &rec.AppliedHash, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: ownable %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get ownable %s: %w", id, err)
	}

	var chain eventchain.Chain
	if err := json.Unmarshal([]byte(chainJSON), &chain); err != nil {
		return nil, fmt.Errorf("decode chain %s: %w", id, err)
	}
	rec.Chain = &chain
	rec.UpdatedAt = time.Unix(0, updated).UTC()
	return rec, nil
}

func (s *sqlStore) Put(ctx context.Context, rec *Record) error {
	chainJSON, err := json.Marshal(rec.Chain)
	if err != nil {
		return fmt.Errorf("encode chain %s: %w", rec.ID, err)
	}
	updated := rec.UpdatedAt
	if updated.IsZero() {
		updated = time.Now()
	}

	_, err = s.db.ExecContext(ctx, s.q(`INSERT INTO ownables (id, package_cid, chain, applied_hash, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			package_cid = excluded.package_cid,
			chain = excluded.chain,
			applied_hash = excluded.applied_hash,
			updated_at = excluded.updated_at`),
		rec.ID, rec.Package, string(chainJSON), rec.AppliedHash, updated.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to put ownable %s: %w", rec.ID, err)
	}
	return nil
}

func (s *sqlStore) Delete(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, s.q(`DELETE FROM state_dumps WHERE ownable_id = ?`), id); err != nil {
		return fmt.Errorf("delete dumps %s: %w", id, err)
	}
	if _, err := tx.ExecContext(ctx, s.q(`DELETE FROM ownables WHERE id = ?`), id); err != nil {
		return fmt.Errorf("delete ownable %s: %w", id, err)
	}
	return tx.Commit()
}

func (s *sqlStore) DeleteAll(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM state_dumps`); err != nil {
		return fmt.Errorf("delete all dumps: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM ownables`); err != nil {
		return fmt.Errorf("delete all ownables: %w", err)
	}
	return tx.Commit()
}

func (s *sqlStore) List(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM ownables ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list ownables: %w", err)
	}
	defer func() { _ = rows.Close() }()

	ids := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *sqlStore) GetStateDump(ctx context.Context, key DumpKey) ([]byte, string, error) {
	var data, digest string
	err := s.db.QueryRowContext(ctx,
		s.q(`SELECT dump, digest FROM state_dumps WHERE ownable_id = ? AND package_cid = ? AND state_hash = ?`),
		key.OwnableID, key.Package, key.StateHash,
	).Scan(&data, &digest)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, "", fmt.Errorf("%w: dump %s@%s", ErrNotFound, key.OwnableID, key.StateHash)
	}
	if err != nil {
		return nil, "", fmt.Errorf("get dump %s@%s: %w", key.OwnableID, key.StateHash, err)
	}
	return []byte(data), digest, nil
}

func (s *sqlStore) PutStateDump(ctx context.Context, key DumpKey, data []byte, digest string) error {
	_, err := s.db.ExecContext(ctx, s.q(`INSERT INTO state_dumps (ownable_id, package_cid, state_hash, dump, digest)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (ownable_id, package_cid, state_hash) DO UPDATE SET
			dump = excluded.dump,
			digest = excluded.digest`),
		key.OwnableID, key.Package, key.StateHash, string(data), digest,
	)
	if err != nil {
		return fmt.Errorf("failed to put dump %s@%s: %w", key.OwnableID, key.StateHash, err)
	}
	return nil
}

func (s *sqlStore) DeleteStateDumps(ctx context.Context, ownableID string) error {
	if _, err := s.db.ExecContext(ctx, s.q(`DELETE FROM state_dumps WHERE ownable_id = ?`), ownableID); err != nil {
		return fmt.Errorf("delete dumps %s: %w", ownableID, err)
	}
	return nil
}

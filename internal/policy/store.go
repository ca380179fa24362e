package policy

import (
	"context"
	"database/sql"
	"time"

	_ "modernc.org/sqlite"
)

type Store struct {
	db *sql.DB
}

func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}

	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(5 * time.Minute)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
CREATE TABLE IF NOT EXISTS tier_policies (
  tier TEXT PRIMARY KEY,
  idle_ttl_secs INTEGER NOT NULL DEFAULT 0,
  pinned INTEGER NOT NULL DEFAULT 0,
  priority INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS dead_letters (
  item_id TEXT PRIMARY KEY,
  description TEXT NOT NULL DEFAULT '',
  tier TEXT NOT NULL DEFAULT '',
  attempts INTEGER NOT NULL DEFAULT 0,
  error TEXT NOT NULL DEFAULT '',
  failed_at DATETIME NOT NULL
);
`)
	return err
}

func (s *Store) UpsertPolicy(ctx context.Context, p TierPolicy) error {
	if s.db == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO tier_policies(tier, idle_ttl_secs, pinned, priority)
VALUES(?, ?, ?, ?)
ON CONFLICT(tier) DO UPDATE SET
  idle_ttl_secs=excluded.idle_ttl_secs,
  pinned=excluded.pinned,
  priority=excluded.priority;
`, p.Tier, p.IdleTTLSecs, boolToInt(p.Pinned), p.Priority)
	return err
}

func (s *Store) GetPolicy(ctx context.Context, tier string) (TierPolicy, bool, error) {
	if s.db == nil {
		return TierPolicy{}, false, nil
	}
	row := s.db.QueryRowContext(ctx, `
SELECT tier, idle_ttl_secs, pinned, priority
FROM tier_policies WHERE tier=?;
`, tier)

	var p TierPolicy
	var pinnedInt int
	err := row.Scan(&p.Tier, &p.IdleTTLSecs, &pinnedInt, &p.Priority)
	if err == sql.ErrNoRows {
		return TierPolicy{}, false, nil
	}
	if err != nil {
		return TierPolicy{}, false, err
	}
	p.Pinned = pinnedInt != 0
	return p, true, nil
}

func (s *Store) ListPolicies(ctx context.Context) ([]TierPolicy, error) {
	if s.db == nil {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT tier, idle_ttl_secs, pinned, priority
FROM tier_policies
ORDER BY tier ASC;
`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []TierPolicy
	for rows.Next() {
		var p TierPolicy
		var pinnedInt int
		if err := rows.Scan(&p.Tier, &p.IdleTTLSecs, &pinnedInt, &p.Priority); err != nil {
			return nil, err
		}
		p.Pinned = pinnedInt != 0
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *Store) DeletePolicy(ctx context.Context, tier string) error {
	if s.db == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx, "DELETE FROM tier_policies WHERE tier=?;", tier)
	return err
}

func (s *Store) RecordDeadLetter(ctx context.Context, d DeadLetter) error {
	if s.db == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO dead_letters(item_id, description, tier, attempts, error, failed_at)
VALUES(?, ?, ?, ?, ?, ?)
ON CONFLICT(item_id) DO UPDATE SET
  attempts=excluded.attempts,
  error=excluded.error,
  failed_at=excluded.failed_at;
`, d.ItemID, d.Description, d.Tier, d.Attempts, d.Error, d.FailedAt)
	return err
}

func (s *Store) ListDeadLetters(ctx context.Context) ([]DeadLetter, error) {
	if s.db == nil {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT item_id, description, tier, attempts, error, failed_at
FROM dead_letters ORDER BY failed_at DESC;
`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []DeadLetter
	for rows.Next() {
		var d DeadLetter
		if err := rows.Scan(&d.ItemID, &d.Description, &d.Tier, &d.Attempts, &d.Error, &d.FailedAt); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

package timescale

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/lib/pq"

	"github.com/ghalamif/ProxiFlow/internal/ports"
)

// Remote uploads stored entries into one Postgres/TimescaleDB table per
// local table. Rows are keyed by (device_id, ts, entry_id) so resends are
// no-ops.
type Remote struct {
	db     *sql.DB
	prefix string
}

// Open connects through lib/pq.
func Open(connString, tablePrefix string) (*Remote, error) {
	db, err := sql.Open("postgres", connString)
	if err != nil {
		return nil, fmt.Errorf("open timescale: %w", err)
	}
	return New(db, tablePrefix), nil
}

func New(db *sql.DB, tablePrefix string) *Remote {
	return &Remote{db: db, prefix: tablePrefix}
}

func (r *Remote) Name() string { return "timescaledb" }

func (r *Remote) table(name string) string {
	return pq.QuoteIdentifier(r.prefix + name)
}

// EnsureTables creates the destination tables when missing.
func (r *Remote) EnsureTables(ctx context.Context, tables ...string) error {
	for _, t := range tables {
		q := "CREATE TABLE IF NOT EXISTS " + r.table(t) +
			" (device_id TEXT NOT NULL, ts BIGINT NOT NULL, entry_id BIGINT NOT NULL, payload JSONB NOT NULL," +
			" PRIMARY KEY (device_id, ts, entry_id))"
		if _, err := r.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("create %s: %w", t, err)
		}
	}
	return nil
}

func (r *Remote) Upload(ctx context.Context, table string, items []ports.SyncItem) error {
	if len(items) == 0 {
		return nil
	}

	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(r.table(table))
	b.WriteString(" (device_id, ts, entry_id, payload) VALUES ")

	args := make([]any, 0, len(items)*4)
	for i, it := range items {
		if i > 0 {
			b.WriteString(",")
		}
		b.WriteString(fmt.Sprintf("($%d,$%d,$%d,$%d)",
			len(args)+1, len(args)+2, len(args)+3, len(args)+4))
		args = append(args,
			it.DeviceID,
			it.Timestamp,
			int64(it.ID),
			[]byte(it.Payload),
		)
	}

	b.WriteString(" ON CONFLICT (device_id, ts, entry_id) DO NOTHING")

	_, err := r.db.ExecContext(ctx, b.String(), args...)
	return err
}

func (r *Remote) Close() error { return r.db.Close() }

var _ ports.Remote = (*Remote)(nil)

package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS conversions (
	source      TEXT    NOT NULL,
	size        INTEGER NOT NULL,
	mod_time    INTEGER NOT NULL,
	output      TEXT    NOT NULL,
	created_at  INTEGER NOT NULL,
	PRIMARY KEY (source, size, mod_time)
)`

// Entry identifies one version of a source file.
type Entry struct {
	Source  string
	Size    int64
	ModTime time.Time
}

// Ledger 记录已转换的文件，同一版本的源文件不会重复转换
type Ledger struct {
	db *sql.DB
}

func Open(ctx context.Context, path string) (*Ledger, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("history: open %s: %w", path, err)
	}
	// sqlite 写入串行
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("history: init schema: %w", err)
	}
	return &Ledger{db: db}, nil
}

// Lookup returns the output recorded for e, or ok=false when e was never converted.
func (l *Ledger) Lookup(ctx context.Context, e Entry) (output string, ok bool, err error) {
	row := l.db.QueryRowContext(ctx,
		`SELECT output FROM conversions WHERE source = ? AND size = ? AND mod_time = ?`,
		e.Source, e.Size, e.ModTime.UnixNano())
	switch err := row.Scan(&output); {
	case errors.Is(err, sql.ErrNoRows):
		return "", false, nil
	case err != nil:
		return "", false, fmt.Errorf("history: lookup %s: %w", e.Source, err)
	}
	return output, true, nil
}

func (l *Ledger) Record(ctx context.Context, e Entry, output string) error {
	_, err := l.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO conversions (source, size, mod_time, output, created_at) VALUES (?, ?, ?, ?, ?)`,
		e.Source, e.Size, e.ModTime.UnixNano(), output, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("history: record %s: %w", e.Source, err)
	}
	return nil
}

func (l *Ledger) Close() error {
	return l.db.Close()
}

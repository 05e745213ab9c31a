package refs

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"time"

	"jupiter/internal/hash"

	_ "github.com/mattn/go-sqlite3"
)

//go:embed migrations
var migrationsFS embed.FS

const forEachPageSize = 256

// SQLiteIndex stores refs in a SQLite database.
type SQLiteIndex struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ Index = (*SQLiteIndex)(nil)

// initSchema applies all SQL files in the embedded migrations in
// lexicographical order.
func initSchema(ctx context.Context, db *sql.DB, logger *slog.Logger) error {
	return fs.WalkDir(migrationsFS, "migrations", func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}

		content, readError := migrationsFS.ReadFile(path)
		if readError != nil {
			return fmt.Errorf("error reading SQL file: %w", readError)
		}

		logger.Debug("Running migration", "path", path)
		_, execError := db.ExecContext(ctx, string(content))
		return execError
	})
}

// OpenSQLiteIndex opens (or creates) the database at dbPath and applies
// the schema.
func OpenSQLiteIndex(ctx context.Context, dbPath string, logger *slog.Logger) (*SQLiteIndex, error) {
	if logger == nil {
		logger = slog.Default()
	}

	db, err := sql.Open("sqlite3", dbPath+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// SQLite has a single writer.
	db.SetMaxOpenConns(1)

	if err := initSchema(ctx, db, logger); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &SQLiteIndex{db: db, logger: logger}, nil
}

// WithTransaction runs a function within a database transaction.
func WithTransaction(ctx context.Context, db *sql.DB, fn func(tx *sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("error beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return fmt.Errorf("error executing transaction: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("error committing transaction: %w", err)
	}

	return nil
}

func (s *SQLiteIndex) Close() error {
	return s.db.Close()
}

func (s *SQLiteIndex) Put(ctx context.Context, rec Record) (uint64, error) {
	var generation uint64
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO refs (namespace, bucket, name, root_hash, root_object, last_access, finalized, generation)
		VALUES (?, ?, ?, ?, ?, ?, 0, 1)
		ON CONFLICT (namespace, bucket, name) DO UPDATE SET
			root_hash = excluded.root_hash,
			root_object = excluded.root_object,
			last_access = excluded.last_access,
			finalized = 0,
			generation = refs.generation + 1
		RETURNING generation`,
		rec.Key.Namespace, rec.Key.Bucket, rec.Key.Name,
		rec.RootHash[:], rec.RootObject, rec.LastAccess.UTC().UnixNano(),
	).Scan(&generation)
	if err != nil {
		return 0, fmt.Errorf("put ref %s: %w", rec.Key, err)
	}
	return generation, nil
}

func (s *SQLiteIndex) Get(ctx context.Context, key Key) (Record, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT namespace, bucket, name, root_hash, root_object, last_access, finalized, generation
		FROM refs WHERE namespace = ? AND bucket = ? AND name = ?`,
		key.Namespace, key.Bucket, key.Name)

	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, fmt.Errorf("get ref %s: %w", key, err)
	}
	return rec, true, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (Record, error) {
	var (
		rec        Record
		rootHash   []byte
		lastAccess int64
	)
	if err := row.Scan(
		&rec.Key.Namespace, &rec.Key.Bucket, &rec.Key.Name,
		&rootHash, &rec.RootObject, &lastAccess, &rec.Finalized, &rec.Generation,
	); err != nil {
		return Record{}, err
	}
	if err := rec.RootHash.UnmarshalBinary(rootHash); err != nil {
		return Record{}, err
	}
	rec.LastAccess = time.Unix(0, lastAccess).UTC()
	return rec, nil
}

func (s *SQLiteIndex) MarkFinalized(ctx context.Context, key Key, generation uint64, root hash.ContentHash) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE refs SET finalized = 1
		WHERE namespace = ? AND bucket = ? AND name = ? AND generation = ? AND root_hash = ?`,
		key.Namespace, key.Bucket, key.Name, generation, root[:])
	if err != nil {
		return false, fmt.Errorf("finalize ref %s: %w", key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *SQLiteIndex) Touch(ctx context.Context, key Key, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE refs SET last_access = MAX(last_access, ?)
		WHERE namespace = ? AND bucket = ? AND name = ?`,
		at.UTC().UnixNano(), key.Namespace, key.Bucket, key.Name)
	if err != nil {
		return false, fmt.Errorf("touch ref %s: %w", key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *SQLiteIndex) UpdateLastAccess(ctx context.Context, batch map[Key]time.Time) error {
	if len(batch) == 0 {
		return nil
	}

	return WithTransaction(ctx, s.db, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			UPDATE refs SET last_access = MAX(last_access, ?)
			WHERE namespace = ? AND bucket = ? AND name = ?`)
		if err != nil {
			return err
		}
		defer stmt.Close()

		for key, at := range batch {
			if _, err := stmt.ExecContext(ctx, at.UTC().UnixNano(), key.Namespace, key.Bucket, key.Name); err != nil {
				return fmt.Errorf("update last access of %s: %w", key, err)
			}
		}
		return nil
	})
}

func (s *SQLiteIndex) Delete(ctx context.Context, key Key) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM refs WHERE namespace = ? AND bucket = ? AND name = ?`,
		key.Namespace, key.Bucket, key.Name)
	if err != nil {
		return false, fmt.Errorf("delete ref %s: %w", key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *SQLiteIndex) DeleteBucket(ctx context.Context, namespace, bucket string) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM refs WHERE namespace = ? AND bucket = ?`, namespace, bucket)
	if err != nil {
		return 0, fmt.Errorf("delete bucket %s/%s: %w", namespace, bucket, err)
	}
	return res.RowsAffected()
}

func (s *SQLiteIndex) DeleteOlderThan(ctx context.Context, namespace string, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM refs WHERE namespace = ? AND last_access < ?`,
		namespace, cutoff.UTC().UnixNano())
	if err != nil {
		return 0, fmt.Errorf("delete stale refs in %s: %w", namespace, err)
	}
	return res.RowsAffected()
}

// ForEach pages through the namespace by key so fn may call back into the
// index without holding a connection.
func (s *SQLiteIndex) ForEach(ctx context.Context, namespace string, fn func(Record) error) error {
	var lastBucket, lastName string
	for {
		page, err := s.forEachPage(ctx, namespace, lastBucket, lastName)
		if err != nil {
			return err
		}
		for _, rec := range page {
			if err := fn(rec); err != nil {
				return err
			}
		}
		if len(page) < forEachPageSize {
			return nil
		}
		last := page[len(page)-1].Key
		lastBucket, lastName = last.Bucket, last.Name
	}
}

func (s *SQLiteIndex) forEachPage(ctx context.Context, namespace, afterBucket, afterName string) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT namespace, bucket, name, root_hash, root_object, last_access, finalized, generation
		FROM refs
		WHERE namespace = ? AND (bucket > ? OR (bucket = ? AND name > ?))
		ORDER BY bucket, name
		LIMIT ?`,
		namespace, afterBucket, afterBucket, afterName, forEachPageSize)
	if err != nil {
		return nil, fmt.Errorf("list refs in %s: %w", namespace, err)
	}
	defer rows.Close()

	var page []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		page = append(page, rec)
	}
	return page, rows.Err()
}

func (s *SQLiteIndex) Namespaces(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT namespace FROM refs ORDER BY namespace`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var namespaces []string
	for rows.Next() {
		var ns string
		if err := rows.Scan(&ns); err != nil {
			return nil, err
		}
		namespaces = append(namespaces, ns)
	}
	return namespaces, rows.Err()
}

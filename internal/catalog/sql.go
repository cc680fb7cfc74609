package catalog

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/dmitrijs2005/fragnet/internal/dbx"
	"github.com/dmitrijs2005/fragnet/internal/models"
)

type queries struct {
	listFiles          string
	listFileFragments  string
	upsertFile         string
	deleteFile         string
	deleteFileSequence string
	insertFileFragment string
	listFragments      string
	upsertFragment     string
	deleteFragment     string
}

var sqliteQueries = queries{
	listFiles:          `SELECT hash, size FROM files ORDER BY hash`,
	listFileFragments:  `SELECT file_hash, fragment_hash FROM file_fragments ORDER BY file_hash, position`,
	upsertFile:         `INSERT INTO files (hash, size) VALUES (?, ?) ON CONFLICT(hash) DO UPDATE SET size = excluded.size`,
	deleteFile:         `DELETE FROM files WHERE hash = ?`,
	deleteFileSequence: `DELETE FROM file_fragments WHERE file_hash = ?`,
	insertFileFragment: `INSERT INTO file_fragments (file_hash, position, fragment_hash) VALUES (?, ?, ?)`,
	listFragments:      `SELECT hash, size FROM fragments ORDER BY hash`,
	upsertFragment:     `INSERT INTO fragments (hash, size) VALUES (?, ?) ON CONFLICT(hash) DO UPDATE SET size = excluded.size`,
	deleteFragment:     `DELETE FROM fragments WHERE hash = ?`,
}

var postgresQueries = queries{
	listFiles:          `SELECT hash, size FROM files ORDER BY hash`,
	listFileFragments:  `SELECT file_hash, fragment_hash FROM file_fragments ORDER BY file_hash, position`,
	upsertFile:         `INSERT INTO files (hash, size) VALUES ($1, $2) ON CONFLICT (hash) DO UPDATE SET size = EXCLUDED.size`,
	deleteFile:         `DELETE FROM files WHERE hash = $1`,
	deleteFileSequence: `DELETE FROM file_fragments WHERE file_hash = $1`,
	insertFileFragment: `INSERT INTO file_fragments (file_hash, position, fragment_hash) VALUES ($1, $2, $3)`,
	listFragments:      `SELECT hash, size FROM fragments ORDER BY hash`,
	upsertFragment:     `INSERT INTO fragments (hash, size) VALUES ($1, $2) ON CONFLICT (hash) DO UPDATE SET size = EXCLUDED.size`,
	deleteFragment:     `DELETE FROM fragments WHERE hash = $1`,
}

// SQLRepository is a Repository over database/sql. Build it with
// NewSQLiteRepository or NewPostgresRepository.
type SQLRepository struct {
	db *sql.DB
	q  queries
}

var _ Repository = (*SQLRepository)(nil)

// NewSQLiteRepository uses ? placeholders.
func NewSQLiteRepository(db *sql.DB) *SQLRepository {
	return &SQLRepository{db: db, q: sqliteQueries}
}

// NewPostgresRepository uses $n placeholders.
func NewPostgresRepository(db *sql.DB) *SQLRepository {
	return &SQLRepository{db: db, q: postgresQueries}
}

// DB returns the underlying handle.
func (r *SQLRepository) DB() *sql.DB { return r.db }

func (r *SQLRepository) ListFiles(ctx context.Context) ([]models.FragmentedFile, error) {
	rows, err := r.db.QueryContext(ctx, r.q.listFiles)
	if err != nil {
		return nil, fmt.Errorf("failed to list files: %w", err)
	}
	files, err := dbx.Collect(rows, func(rows *sql.Rows) (models.FragmentedFile, error) {
		var f models.FragmentedFile
		return f, rows.Scan(&f.Hash, &f.Size)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan files: %w", err)
	}

	rows, err = r.db.QueryContext(ctx, r.q.listFileFragments)
	if err != nil {
		return nil, fmt.Errorf("failed to list file fragments: %w", err)
	}
	type link struct{ file, fragment string }
	links, err := dbx.Collect(rows, func(rows *sql.Rows) (link, error) {
		var l link
		return l, rows.Scan(&l.file, &l.fragment)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan file fragments: %w", err)
	}

	index := make(map[string]int, len(files))
	for i, f := range files {
		index[f.Hash] = i
	}
	for _, l := range links {
		if i, ok := index[l.file]; ok {
			files[i].FragmentSequence = append(files[i].FragmentSequence, l.fragment)
		}
	}

	return files, nil
}

func (r *SQLRepository) putFile(ctx context.Context, tx dbx.DBTX, f models.FragmentedFile) error {
	if _, err := tx.ExecContext(ctx, r.q.upsertFile, f.Hash, f.Size); err != nil {
		return fmt.Errorf("failed to upsert file: %w", err)
	}
	if _, err := tx.ExecContext(ctx, r.q.deleteFileSequence, f.Hash); err != nil {
		return fmt.Errorf("failed to clear file fragments: %w", err)
	}
	for i, h := range f.FragmentSequence {
		if _, err := tx.ExecContext(ctx, r.q.insertFileFragment, f.Hash, i, h); err != nil {
			return fmt.Errorf("failed to insert file fragment: %w", err)
		}
	}
	return nil
}

func (r *SQLRepository) deleteFile(ctx context.Context, tx dbx.DBTX, hash string) error {
	if _, err := tx.ExecContext(ctx, r.q.deleteFileSequence, hash); err != nil {
		return fmt.Errorf("failed to delete file fragments: %w", err)
	}
	if _, err := tx.ExecContext(ctx, r.q.deleteFile, hash); err != nil {
		return fmt.Errorf("failed to delete file: %w", err)
	}
	return nil
}

func (r *SQLRepository) PutFile(ctx context.Context, f models.FragmentedFile) error {
	return dbx.WithTx(ctx, r.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		return r.putFile(ctx, tx, f)
	})
}

func (r *SQLRepository) DeleteFile(ctx context.Context, hash string) error {
	return dbx.WithTx(ctx, r.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		return r.deleteFile(ctx, tx, hash)
	})
}

func (r *SQLRepository) ListFragments(ctx context.Context) ([]models.Fragment, error) {
	rows, err := r.db.QueryContext(ctx, r.q.listFragments)
	if err != nil {
		return nil, fmt.Errorf("failed to list fragments: %w", err)
	}
	out, err := dbx.Collect(rows, func(rows *sql.Rows) (models.Fragment, error) {
		var f models.Fragment
		return f, rows.Scan(&f.Hash, &f.Size)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan fragments: %w", err)
	}
	return out, nil
}

func (r *SQLRepository) PutFragment(ctx context.Context, f models.Fragment) error {
	if _, err := r.db.ExecContext(ctx, r.q.upsertFragment, f.Hash, f.Size); err != nil {
		return fmt.Errorf("failed to upsert fragment: %w", err)
	}
	return nil
}

func (r *SQLRepository) DeleteFragment(ctx context.Context, hash string) error {
	if _, err := r.db.ExecContext(ctx, r.q.deleteFragment, hash); err != nil {
		return fmt.Errorf("failed to delete fragment: %w", err)
	}
	return nil
}

func (r *SQLRepository) ApplyDelta(ctx context.Context, d Delta) error {
	if d.Empty() {
		return nil
	}
	return dbx.WithTx(ctx, r.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		for _, h := range d.RemovedFiles {
			if err := r.deleteFile(ctx, tx, h); err != nil {
				return err
			}
		}
		for _, h := range d.RemovedFragments {
			if _, err := tx.ExecContext(ctx, r.q.deleteFragment, h); err != nil {
				return fmt.Errorf("failed to delete fragment: %w", err)
			}
		}
		for _, f := range d.AddedFiles {
			if err := r.putFile(ctx, tx, f); err != nil {
				return err
			}
		}
		return nil
	})
}

func (r *SQLRepository) Close() error {
	return r.db.Close()
}

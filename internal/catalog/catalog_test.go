package catalog

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/pressly/goose/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrijs2005/fragnet/internal/models"
)

func repositoryContract(t *testing.T, open func(t *testing.T) Repository) {
	ctx := context.Background()
	f1 := models.FragmentedFile{Hash: "f1", Size: 30, FragmentSequence: []string{"a", "b", "a"}}
	f2 := models.FragmentedFile{Hash: "f2", Size: 10, FragmentSequence: []string{"c"}}

	t.Run("files", func(t *testing.T) {
		r := open(t)
		require.NoError(t, r.PutFile(ctx, f2))
		require.NoError(t, r.PutFile(ctx, f1))

		got, err := r.ListFiles(ctx)
		require.NoError(t, err)
		if diff := cmp.Diff([]models.FragmentedFile{f1, f2}, got); diff != "" {
			t.Fatalf("files mismatch (-want +got):\n%s", diff)
		}

		replaced := models.FragmentedFile{Hash: "f1", Size: 20, FragmentSequence: []string{"z"}}
		require.NoError(t, r.PutFile(ctx, replaced))
		got, _ = r.ListFiles(ctx)
		assert.True(t, got[0].Equal(replaced))

		require.NoError(t, r.DeleteFile(ctx, "f1"))
		require.NoError(t, r.DeleteFile(ctx, "missing"))
		got, _ = r.ListFiles(ctx)
		assert.Len(t, got, 1)
	})

	t.Run("fragments", func(t *testing.T) {
		r := open(t)
		require.NoError(t, r.PutFragment(ctx, models.Fragment{Hash: "b", Size: 2}))
		require.NoError(t, r.PutFragment(ctx, models.Fragment{Hash: "a", Size: 1}))
		require.NoError(t, r.PutFragment(ctx, models.Fragment{Hash: "a", Size: 1}))

		got, err := r.ListFragments(ctx)
		require.NoError(t, err)
		assert.Equal(t, []models.Fragment{{Hash: "a", Size: 1}, {Hash: "b", Size: 2}}, got)

		require.NoError(t, r.DeleteFragment(ctx, "a"))
		require.NoError(t, r.DeleteFragment(ctx, "a"))
		got, _ = r.ListFragments(ctx)
		assert.Equal(t, []models.Fragment{{Hash: "b", Size: 2}}, got)
	})

	t.Run("apply delta", func(t *testing.T) {
		r := open(t)
		require.NoError(t, r.PutFile(ctx, f1))
		require.NoError(t, r.PutFragment(ctx, models.Fragment{Hash: "a", Size: 1}))
		require.NoError(t, r.PutFragment(ctx, models.Fragment{Hash: "x", Size: 1}))

		require.NoError(t, r.ApplyDelta(ctx, Delta{
			AddedFiles:       []models.FragmentedFile{f2},
			RemovedFiles:     []string{"f1"},
			RemovedFragments: []string{"x"},
		}))
		require.NoError(t, r.ApplyDelta(ctx, Delta{}))

		files, _ := r.ListFiles(ctx)
		if diff := cmp.Diff([]models.FragmentedFile{f2}, files, cmpopts.EquateEmpty()); diff != "" {
			t.Fatalf("files mismatch (-want +got):\n%s", diff)
		}
		frags, _ := r.ListFragments(ctx)
		assert.Equal(t, []models.Fragment{{Hash: "a", Size: 1}}, frags)
	})

	t.Run("removal then re-add in one delta", func(t *testing.T) {
		r := open(t)
		require.NoError(t, r.PutFile(ctx, f1))
		changed := models.FragmentedFile{Hash: "f1", Size: 5, FragmentSequence: []string{"q"}}
		require.NoError(t, r.ApplyDelta(ctx, Delta{AddedFiles: []models.FragmentedFile{changed}, RemovedFiles: []string{"f1"}}))

		files, _ := r.ListFiles(ctx)
		require.Len(t, files, 1)
		assert.True(t, files[0].Equal(changed))
	})
}

func TestMemoryRepository(t *testing.T) {
	repositoryContract(t, func(t *testing.T) Repository {
		return NewMemoryRepository()
	})
}

func TestSQLiteRepository(t *testing.T) {
	repositoryContract(t, func(t *testing.T) Repository {
		r, err := Open(context.Background(), DriverSQLite, filepath.Join(t.TempDir(), "catalog.db"))
		require.NoError(t, err)
		t.Cleanup(func() { _ = r.Close() })
		return r
	})
}

func TestOpen_SQLiteInMemory(t *testing.T) {
	r, err := Open(context.Background(), DriverSQLite, "")
	require.NoError(t, err)
	defer r.Close()

	require.NoError(t, r.PutFragment(context.Background(), models.Fragment{Hash: "a", Size: 1}))
	got, err := r.ListFragments(context.Background())
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestOpen_MigrationsAreIdempotent(t *testing.T) {
	ctx := context.Background()
	dsn := filepath.Join(t.TempDir(), "catalog.db")

	r, err := Open(ctx, DriverSQLite, dsn)
	require.NoError(t, err)
	require.NoError(t, r.Close())

	r, err = Open(ctx, DriverSQLite, dsn)
	require.NoError(t, err)
	require.NoError(t, r.Close())
}

func TestOpen_UnknownDriver(t *testing.T) {
	_, err := Open(context.Background(), "oracle", "")
	require.Error(t, err)

	r, err := Open(context.Background(), "", "")
	require.NoError(t, err)
	assert.IsType(t, &MemoryRepository{}, r)
}

func TestMigrate_Error(t *testing.T) {
	orig := gooseUpContext
	t.Cleanup(func() { gooseUpContext = orig })
	gooseUpContext = func(ctx context.Context, db *sql.DB, dir string, opts ...goose.OptionsFunc) error {
		return errors.New("boom")
	}

	_, err := Open(context.Background(), DriverSQLite, "")
	require.ErrorContains(t, err, "migrate catalog")
}

func newPostgresWithMock(t *testing.T) (*SQLRepository, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewPostgresRepository(db), mock
}

func TestPostgres_PutFile(t *testing.T) {
	r, mock := newPostgresWithMock(t)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO files (hash, size) VALUES ($1, $2)`)).
		WithArgs("f", int64(3)).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta(`DELETE FROM file_fragments WHERE file_hash = $1`)).
		WithArgs("f").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO file_fragments`)).
		WithArgs("f", 0, "a").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO file_fragments`)).
		WithArgs("f", 1, "b").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, r.PutFile(context.Background(), models.FragmentedFile{Hash: "f", Size: 3, FragmentSequence: []string{"a", "b"}}))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_PutFileRollsBackOnError(t *testing.T) {
	r, mock := newPostgresWithMock(t)

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO files`).WillReturnError(errors.New("db down"))
	mock.ExpectRollback()

	err := r.PutFile(context.Background(), models.FragmentedFile{Hash: "f", Size: 3, FragmentSequence: []string{"a"}})
	require.ErrorContains(t, err, "failed to upsert file")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_ListFiles(t *testing.T) {
	r, mock := newPostgresWithMock(t)

	mock.ExpectQuery(`SELECT hash, size FROM files`).
		WillReturnRows(sqlmock.NewRows([]string{"hash", "size"}).AddRow("f1", 2).AddRow("f2", 1))
	mock.ExpectQuery(`SELECT file_hash, fragment_hash FROM file_fragments`).
		WillReturnRows(sqlmock.NewRows([]string{"file_hash", "fragment_hash"}).
			AddRow("f1", "a").AddRow("f1", "b").AddRow("f2", "c").AddRow("orphan", "z"))

	got, err := r.ListFiles(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []models.FragmentedFile{
		{Hash: "f1", Size: 2, FragmentSequence: []string{"a", "b"}},
		{Hash: "f2", Size: 1, FragmentSequence: []string{"c"}},
	}, got)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_ListFilesQueryError(t *testing.T) {
	r, mock := newPostgresWithMock(t)
	mock.ExpectQuery(`SELECT hash, size FROM files`).WillReturnError(errors.New("boom"))

	_, err := r.ListFiles(context.Background())
	require.ErrorContains(t, err, "failed to list files")
}

func TestPostgres_Fragments(t *testing.T) {
	r, mock := newPostgresWithMock(t)

	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO fragments (hash, size) VALUES ($1, $2)`)).
		WithArgs("a", int64(4)).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`SELECT hash, size FROM fragments`).
		WillReturnRows(sqlmock.NewRows([]string{"hash", "size"}).AddRow("a", 4))
	mock.ExpectExec(regexp.QuoteMeta(`DELETE FROM fragments WHERE hash = $1`)).
		WithArgs("a").WillReturnResult(sqlmock.NewResult(0, 1))

	ctx := context.Background()
	require.NoError(t, r.PutFragment(ctx, models.Fragment{Hash: "a", Size: 4}))
	got, err := r.ListFragments(ctx)
	require.NoError(t, err)
	assert.Equal(t, []models.Fragment{{Hash: "a", Size: 4}}, got)
	require.NoError(t, r.DeleteFragment(ctx, "a"))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_ApplyDeltaOrder(t *testing.T) {
	r, mock := newPostgresWithMock(t)

	mock.ExpectBegin()
	mock.ExpectExec(`DELETE FROM file_fragments`).WithArgs("old").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`DELETE FROM files`).WithArgs("old").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`DELETE FROM fragments`).WithArgs("x").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO files`).WithArgs("new", int64(1)).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`DELETE FROM file_fragments`).WithArgs("new").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`INSERT INTO file_fragments`).WithArgs("new", 0, "p").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := r.ApplyDelta(context.Background(), Delta{
		AddedFiles:       []models.FragmentedFile{{Hash: "new", Size: 1, FragmentSequence: []string{"p"}}},
		RemovedFiles:     []string{"old"},
		RemovedFragments: []string{"x"},
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_ApplyDeltaRollback(t *testing.T) {
	r, mock := newPostgresWithMock(t)

	mock.ExpectBegin()
	mock.ExpectExec(`DELETE FROM fragments`).WillReturnError(errors.New("boom"))
	mock.ExpectRollback()

	err := r.ApplyDelta(context.Background(), Delta{RemovedFragments: []string{"x"}})
	require.Error(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

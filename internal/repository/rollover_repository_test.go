package repository

import (
	"context"
	"errors"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/schoolmate-io/psa-api/internal/models"
)

func newRolloverStoreMock(t *testing.T) (*RolloverStore, sqlmock.Sqlmock, func()) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	sqlxDB := sqlx.NewDb(db, "postgres")
	cleanup := func() {
		_ = sqlxDB.Close()
		db.Close()
	}
	return NewRolloverStore(sqlxDB), mock, cleanup
}

func TestRolloverStoreWithinTxCommits(t *testing.T) {
	store, mock, cleanup := newRolloverStoreMock(t)
	defer cleanup()

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("SELECT id, semester_id, name, sort_order")).
		WithArgs(int64(1)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "semester_id", "name", "sort_order"}).
			AddRow(int64(10), int64(1), "一年级", 1))
	mock.ExpectCommit()

	err := store.WithinTx(context.Background(), func(tx RolloverTx) error {
		grades, err := tx.GradesBySemester(context.Background(), 1)
		require.NoError(t, err)
		require.Len(t, grades, 1)
		assert.Equal(t, "一年级", grades[0].Name)
		return nil
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRolloverStoreWithinTxRollsBackOnError(t *testing.T) {
	store, mock, cleanup := newRolloverStoreMock(t)
	defer cleanup()

	boom := errors.New("constraint violation")
	mock.ExpectBegin()
	mock.ExpectRollback()

	err := store.WithinTx(context.Background(), func(tx RolloverTx) error {
		return boom
	})
	require.ErrorIs(t, err, boom)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertStudentSkipConflictReportsOutcome(t *testing.T) {
	store, mock, cleanup := newRolloverStoreMock(t)
	defer cleanup()

	student := &models.Student{
		StudentNo: "010101",
		Name:      "学生010101",
		ClassID:   42,
		IsActive:  true,
	}

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO students")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO students")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	err := store.WithinTx(context.Background(), func(tx RolloverTx) error {
		outcome, err := tx.InsertStudentSkipConflict(context.Background(), student)
		require.NoError(t, err)
		assert.Equal(t, StudentInserted, outcome)

		outcome, err = tx.InsertStudentSkipConflict(context.Background(), student)
		require.NoError(t, err)
		assert.Equal(t, StudentSkipped, outcome)
		return nil
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGradeOverviewsReportsZeroCounts(t *testing.T) {
	store, mock, cleanup := newRolloverStoreMock(t)
	defer cleanup()

	mock.ExpectQuery(regexp.QuoteMeta("SELECT g.id, g.name, g.sort_order,")).
		WithArgs(int64(7)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "sort_order", "class_count", "student_count"}).
			AddRow(int64(1), "一年级", 1, 2, 60).
			AddRow(int64(2), "空年级", 2, 0, 0))

	overviews, err := store.GradeOverviews(context.Background(), 7)
	require.NoError(t, err)
	require.Len(t, overviews, 2)
	assert.Equal(t, 0, overviews[1].ClassCount)
	assert.Equal(t, 0, overviews[1].StudentCount)
}

func TestGradesByIDsScopesToSemester(t *testing.T) {
	store, mock, cleanup := newRolloverStoreMock(t)
	defer cleanup()

	ids := []int64{10, 11}
	mock.ExpectQuery(regexp.QuoteMeta("FROM grades WHERE semester_id = $1 AND id = ANY($2)")).
		WithArgs(int64(1), pq.Int64Array(ids)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "semester_id", "name", "sort_order"}).
			AddRow(int64(10), int64(1), "一年级", 1))

	grades, err := store.GradesByIDs(context.Background(), 1, ids)
	require.NoError(t, err)
	// Only one of the two requested IDs belongs to the semester; the
	// executor treats the size mismatch as a validation failure.
	require.Len(t, grades, 1)
}

func TestDeactivateStudentsByClasses(t *testing.T) {
	store, mock, cleanup := newRolloverStoreMock(t)
	defer cleanup()

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE students SET is_active = FALSE")).
		WillReturnResult(sqlmock.NewResult(0, 35))
	mock.ExpectCommit()

	err := store.WithinTx(context.Background(), func(tx RolloverTx) error {
		affected, err := tx.DeactivateStudentsByClasses(context.Background(), []int64{1, 2})
		require.NoError(t, err)
		assert.Equal(t, int64(35), affected)

		// No classes means no query at all.
		affected, err = tx.DeactivateStudentsByClasses(context.Background(), nil)
		require.NoError(t, err)
		assert.Zero(t, affected)
		return nil
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStudentNoOverlapCount(t *testing.T) {
	store, mock, cleanup := newRolloverStoreMock(t)
	defer cleanup()

	mock.ExpectQuery(regexp.QuoteMeta("SELECT COUNT(*) FROM students a")).
		WithArgs(int64(5), int64(9)).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(3))

	count, err := store.StudentNoOverlapCount(context.Background(), 5, 9)
	require.NoError(t, err)
	assert.Equal(t, 3, count)
}

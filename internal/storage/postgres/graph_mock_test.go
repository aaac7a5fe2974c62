package postgres_test

import (
	"context"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scrypster/recall/internal/storage/postgres"
	"github.com/scrypster/recall/pkg/types"
)

// newMockStore wraps a sqlmock connection in a Store. These tests assert
// transaction behavior without a live database; full query semantics are
// covered by the POSTGRES_TEST_DSN integration tests.
func newMockStore(t *testing.T) (*postgres.Store, sqlmock.Sqlmock) {
	t.Helper()

	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	return postgres.NewWithDB(db, 8), mock
}

func TestApplyExtractionCommitsOnSuccess(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO memories").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("INSERT INTO entities").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("existing-entity-id"))
	mock.ExpectExec("INSERT INTO relationships").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	memory := &types.Memory{ID: uuid.New().String(), UserID: "tenant-a", Text: "John knows John."}
	entities := []types.Entity{{ID: uuid.New().String(), Name: "John", Type: "person", Confidence: 0.9}}
	rels := []types.ExtractedRelationship{{From: "John", To: "John", Predicate: "knows", Confidence: 0.9}}

	err := store.ApplyExtraction(context.Background(), memory, entities, rels)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestApplyExtractionRollsBackOnEntityFailure(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO memories").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("INSERT INTO entities").WillReturnError(errors.New("disk full"))
	mock.ExpectRollback()

	memory := &types.Memory{ID: uuid.New().String(), UserID: "tenant-a", Text: "statement"}
	entities := []types.Entity{{ID: uuid.New().String(), Name: "John", Type: "person", Confidence: 0.9}}

	err := store.ApplyExtraction(context.Background(), memory, entities, nil)
	require.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet(), "failed write must roll back, not commit")
}

func TestApplyExtractionSkipsEdgeWithUnknownEndpoint(t *testing.T) {
	store, mock := newMockStore(t)

	// No relationships INSERT is expected: the only edge references an
	// entity that was never upserted.
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO memories").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("INSERT INTO entities").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("entity-id"))
	mock.ExpectCommit()

	memory := &types.Memory{ID: uuid.New().String(), UserID: "tenant-a", Text: "statement"}
	entities := []types.Entity{{ID: uuid.New().String(), Name: "John", Type: "person", Confidence: 0.9}}
	rels := []types.ExtractedRelationship{{From: "John", To: "Ghost", Predicate: "knows", Confidence: 0.9}}

	err := store.ApplyExtraction(context.Background(), memory, entities, rels)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestApplyExtractionValidatesInput(t *testing.T) {
	store, _ := newMockStore(t)

	err := store.ApplyExtraction(context.Background(), nil, nil, nil)
	assert.ErrorIs(t, err, types.ErrInvalidInput)

	err = store.ApplyExtraction(context.Background(), &types.Memory{UserID: "tenant-a"}, nil, nil)
	assert.ErrorIs(t, err, types.ErrInvalidInput)
}

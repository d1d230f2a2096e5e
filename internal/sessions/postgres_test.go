package sessions

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/haasonsaas/tandem/pkg/models"
)

func newMockStore(t *testing.T) (*PostgresStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return &PostgresStore{db: db, signKey: []byte("test")}, mock
}

func TestPostgresStore_GetSessionNotFound(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectQuery(`SELECT doc FROM sessions`).
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows([]string{"doc"}))

	_, err := store.GetSession(context.Background(), "missing")
	if !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("got %v, want ErrSessionNotFound", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestPostgresStore_AppendMessageRollsBackOnWriteFailure(t *testing.T) {
	store, mock := newMockStore(t)

	session := models.Session{ID: "ses-1", Messages: []models.Message{}}
	doc, _ := json.Marshal(session)
	meta, _ := json.Marshal(models.SessionMeta{})

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT doc FROM sessions`).
		WithArgs("ses-1").
		WillReturnRows(sqlmock.NewRows([]string{"doc"}).AddRow(doc))
	mock.ExpectQuery(`SELECT doc FROM session_meta`).
		WithArgs("ses-1").
		WillReturnRows(sqlmock.NewRows([]string{"doc"}).AddRow(meta))
	mock.ExpectExec(`INSERT INTO sessions`).
		WillReturnError(errors.New("disk full"))
	mock.ExpectRollback()

	err := store.AppendMessage(context.Background(), "ses-1", models.Message{
		Role:  models.RoleUser,
		Parts: []models.Part{{Type: models.PartText, Text: "hi"}},
	})
	if err == nil {
		t.Fatal("write failure did not surface")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestPostgresStore_DeleteSessionNotFound(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectExec(`DELETE FROM sessions`).
		WithArgs("missing").
		WillReturnResult(sqlmock.NewResult(0, 0))

	if err := store.DeleteSession(context.Background(), "missing"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("got %v, want ErrSessionNotFound", err)
	}
}

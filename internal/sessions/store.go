// Package sessions provides durable session storage: messages with
// structured parts, snapshot/revert history, question requests, workspace
// scoping and legacy index import.
package sessions

import (
	"context"
	"errors"

	"github.com/haasonsaas/tandem/pkg/models"
)

var (
	// ErrSessionNotFound is returned when a session id is unknown.
	ErrSessionNotFound = errors.New("sessions: session not found")

	// ErrQuestionNotFound is returned when a question request id is unknown.
	ErrQuestionNotFound = errors.New("sessions: question request not found")

	// ErrNoSnapshot is returned by Revert when no snapshot exists.
	ErrNoSnapshot = errors.New("sessions: no snapshot to revert to")

	// ErrNoPreRevert is returned by Unrevert when no revert is pending.
	ErrNoPreRevert = errors.New("sessions: nothing to unrevert")

	// ErrShareInvalid is returned when a share token fails verification.
	ErrShareInvalid = errors.New("sessions: share token invalid")
)

// Store is the session persistence contract.
type Store interface {
	// Session CRUD
	CreateSession(ctx context.Context, title, workspaceRoot, directory string) (*models.Session, error)
	GetSession(ctx context.Context, id string) (*models.Session, error)
	SaveSession(ctx context.Context, session *models.Session) error
	DeleteSession(ctx context.Context, id string) error

	// Listing
	ListSessions(ctx context.Context) ([]*models.Session, error)
	ListSessionsScoped(ctx context.Context, workspaceRoot string) ([]*models.Session, error)
	Children(ctx context.Context, parentID string) ([]*models.Session, error)

	// History
	AppendMessage(ctx context.Context, sessionID string, msg models.Message) error
	Revert(ctx context.Context, sessionID string) error
	Unrevert(ctx context.Context, sessionID string) error
	ForkSession(ctx context.Context, id string) (*models.Session, error)

	// Metadata
	GetMeta(ctx context.Context, id string) (*models.SessionMeta, error)
	SetShared(ctx context.Context, id string, shared bool) (shareID string, err error)
	ResolveShare(ctx context.Context, shareID string) (sessionID string, err error)
	SetArchived(ctx context.Context, id string, archived bool) error
	SetSummary(ctx context.Context, id, summary string) error
	SetTodos(ctx context.Context, id string, todos []models.Todo) error
	GetTodos(ctx context.Context, id string) ([]models.Todo, error)

	// Question requests
	AddQuestionRequest(ctx context.Context, req *models.QuestionRequest) error
	ListQuestionRequests(ctx context.Context, sessionID string) ([]*models.QuestionRequest, error)
	ReplyQuestionRequest(ctx context.Context, id string) error
	RejectQuestionRequest(ctx context.Context, id string) error

	// Workspace attachment
	AttachSessionToWorkspace(ctx context.Context, id, workspaceRoot, reason string) error
}

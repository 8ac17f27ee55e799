package rbacauth

import (
	"context"
	"io"

	"github.com/rs/zerolog"

	internalaudit "github.com/braybrandon/rbacauth/internal/audit"
	"github.com/braybrandon/rbacauth/permission"
)

// User is the credential-store view of an account.
//
// PasswordHash is empty for accounts created without a password; such users
// cannot log in until SetInitialPassword runs.
type User struct {
	ID                 int64
	Email              string
	Name               string
	PasswordHash       string
	TokenVersion       uint32
	MustChangePassword bool
}

// UserStore is the credential store the Engine reads and updates. Lookups of
// a missing row must return an error matching ErrUserNotFound.
type UserStore interface {
	FindByEmail(ctx context.Context, email string) (*User, error)
	FindByID(ctx context.Context, id int64) (*User, error)
	UpdatePasswordHash(ctx context.Context, id int64, hash string) error
	// IncrementTokenVersion atomically adds one and returns the new value.
	IncrementTokenVersion(ctx context.Context, id int64) (uint32, error)
}

// GrantStore is the source of truth for role assignments and role grants.
type GrantStore interface {
	permission.Source
	UserRoleIDs(ctx context.Context, userID int64) ([]int64, error)
}

// LoginResult is returned by [Engine.Authenticate].
type LoginResult struct {
	User         *User
	AccessToken  string
	RefreshToken string
}

// RefreshResult is returned by [Engine.RotateRefresh].
type RefreshResult struct {
	User         *User
	AccessToken  string
	RefreshToken string
}

// Principal is the verified identity carried by an access token.
type Principal struct {
	UserID       int64
	TokenVersion uint32
}

// CurrentUser is the self view: account fields, assigned roles and the
// effective permission masks by feature key.
type CurrentUser struct {
	User        *User
	RoleIDs     []int64
	Permissions map[string]permission.Mask
}

// AuditEvent is a structured audit record emitted by the engine.
type AuditEvent = internalaudit.Event

// AuditSink receives [AuditEvent] values from the engine's audit dispatcher.
type AuditSink = internalaudit.Sink

// NoOpSink is an [AuditSink] that silently discards all events.
type NoOpSink = internalaudit.NoOpSink

// ChannelSink is a buffered channel-based [AuditSink].
type ChannelSink = internalaudit.ChannelSink

// JSONWriterSink is an [AuditSink] that writes JSON-encoded events to an
// [io.Writer].
type JSONWriterSink = internalaudit.JSONWriterSink

// LogSink is an [AuditSink] that writes events through a zerolog logger.
type LogSink = internalaudit.LogSink

// NewChannelSink creates a [ChannelSink] with the given buffer capacity.
func NewChannelSink(buffer int) *ChannelSink {
	return internalaudit.NewChannelSink(buffer)
}

// NewJSONWriterSink creates a [JSONWriterSink] that writes to w.
func NewJSONWriterSink(w io.Writer) *JSONWriterSink {
	return internalaudit.NewJSONWriterSink(w)
}

// NewLogSink creates a [LogSink] on log.
func NewLogSink(log zerolog.Logger) *LogSink {
	return internalaudit.NewLogSink(log)
}

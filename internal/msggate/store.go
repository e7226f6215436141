package msggate

import (
	"context"
	"errors"
)

var (
	ErrUnavailable  = errors.New("store unavailable")
	ErrInvalidInput = errors.New("invalid input")
)

type InsertOutcome string

const (
	// Inserted means this call created the row.
	Inserted InsertOutcome = "inserted"
	// AlreadyExists means a row with the same message id was stored earlier;
	// it is a success outcome, not an error.
	AlreadyExists InsertOutcome = "already_exists"
)

// MessageStore is the idempotent persistence layer. Insert must be atomic
// with respect to concurrent callers: for any message id, exactly one caller
// observes Inserted and the rest observe AlreadyExists, backed by the
// store's own uniqueness constraint rather than in-process locking.
type MessageStore interface {
	Insert(ctx context.Context, msg Message) (InsertOutcome, error)
	Query(ctx context.Context, params QueryParams) ([]Message, int, error)
	ComputeStats(ctx context.Context) (Stats, error)
	CheckConnection(ctx context.Context) bool
	Close() error
}

package provider

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/evanofslack/cloud-dns-sync/internal/record"
)

var ErrZoneNotFound = errors.New("zone not found")

// Client is the capability set every DNS backend exposes. Implementations
// make no retries of their own and are safe for concurrent use.
type Client interface {
	Name() string
	// List returns every managed record of zone, following pagination. A
	// partial listing is never returned.
	List(ctx context.Context, zone string) ([]record.Record, error)
	Create(ctx context.Context, zone string, rec record.Record) (record.Record, error)
	Update(ctx context.Context, zone, providerID string, rec record.Record) (record.Record, error)
	// Delete removes the observed record rec. A record that is already gone
	// is not an error.
	Delete(ctx context.Context, zone string, rec record.Record) error
}

// Reserver is implemented by backends whose List leaves out record sets it
// cannot represent as a Record, such as aliases. Reserved returns the keys
// of those sets in zone as of the last List. The engine does not write at
// a reserved key.
type Reserver interface {
	Reserved(zone string) []record.Key
}

type Kind string

const (
	KindTransient      Kind = "transient"
	KindRateLimited    Kind = "rate_limited"
	KindConflict       Kind = "conflict"
	KindPermanent      Kind = "permanent"
	KindListIncomplete Kind = "list_incomplete"
	KindCancelled      Kind = "cancelled"
)

// Retryable reports whether an operation failing with k may be attempted again.
func (k Kind) Retryable() bool {
	return k == KindTransient || k == KindRateLimited
}

// Error is a classified backend failure.
type Error struct {
	Kind    Kind
	Backend string
	Op      string
	// RetryAfter is the backend's hint for RateLimited errors, zero if none.
	RetryAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s %s: %s", e.Backend, e.Op, e.Kind)
	if e.RetryAfter > 0 {
		msg += fmt.Sprintf(" (retry after %s)", e.RetryAfter)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// NewError wraps err with a classification. A nil err yields nil.
func NewError(kind Kind, backend, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Backend: backend, Op: op, Err: err}
}

// KindOf classifies err. Errors that carry no classification are treated as
// transient when they come from the network and permanent otherwise.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return KindCancelled
	}
	var ne net.Error
	if errors.As(err, &ne) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
		return KindTransient
	}
	return KindPermanent
}

// RetryAfter returns the retry hint carried by err, if any.
func RetryAfter(err error) time.Duration {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.RetryAfter
	}
	return 0
}

// KindFromStatus maps an HTTP status code to a failure kind.
func KindFromStatus(code int) Kind {
	switch {
	case code == http.StatusConflict:
		return KindConflict
	case code == http.StatusTooManyRequests:
		return KindRateLimited
	case code == http.StatusRequestTimeout, code >= 500:
		return KindTransient
	default:
		return KindPermanent
	}
}

// JoinIDs builds the ProviderID of a record stored as one backend object per
// value. ids are positional with the record's Values.
func JoinIDs(ids []string) string {
	return strings.Join(ids, ",")
}

func SplitIDs(providerID string) []string {
	if providerID == "" {
		return nil
	}
	return strings.Split(providerID, ",")
}

// ValueChange is one backend call needed to turn a per-value record set into
// another. An empty ID means create; an empty Value means delete.
type ValueChange struct {
	ID    string
	Value string
}

func (c ValueChange) IsCreate() bool { return c.ID == "" }
func (c ValueChange) IsDelete() bool { return c.Value == "" }

// PlanValueChanges pairs existing backend ids with the desired values. Ids
// are reused in order, surplus ids are deleted and surplus values created.
func PlanValueChanges(ids, values []string) []ValueChange {
	changes := make([]ValueChange, 0, max(len(ids), len(values)))
	for i := 0; i < len(ids) || i < len(values); i++ {
		var c ValueChange
		if i < len(ids) {
			c.ID = ids[i]
		}
		if i < len(values) {
			c.Value = values[i]
		}
		changes = append(changes, c)
	}
	return changes
}

// RollbackTimeout bounds the cleanup of a partially written record set.
const RollbackTimeout = 10 * time.Second

// Rollback removes the backend objects ids that a failed set-level write
// already created, then returns cause. Cleanup runs even when ctx is
// cancelled. If cleanup fails the result is Permanent, so the write is not
// retried on top of the leftovers; the next List reports them.
func Rollback(ctx context.Context, backend, op string, ids []string, cause error, del func(ctx context.Context, id string) error) error {
	if len(ids) == 0 {
		return cause
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), RollbackTimeout)
	defer cancel()

	var errs []error
	for _, id := range ids {
		if err := del(ctx, id); err != nil {
			errs = append(errs, fmt.Errorf("id %s: %w", id, err))
		}
	}
	if len(errs) == 0 {
		return cause
	}
	return NewError(KindPermanent, backend, op,
		fmt.Errorf("%w; rollback left the record set partial: %w", cause, errors.Join(errs...)))
}

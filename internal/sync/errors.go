package sync

import (
	"errors"
	"fmt"
	"strings"
)

// Kind classifies a sync failure.
type Kind int

const (
	KindUnknown Kind = iota
	// KindAuthentication: credentials are invalid or expired. Fatal for the
	// tenant run; retried no sooner than the next scheduled run.
	KindAuthentication
	// KindTransient: network or rate-limit failure, retryable.
	KindTransient
	// KindNotFound: the message or attachment vanished upstream.
	KindNotFound
	// KindStoreWrite: a local store write failed. Fatal for the single item.
	KindStoreWrite
)

func (k Kind) String() string {
	switch k {
	case KindAuthentication:
		return "authentication"
	case KindTransient:
		return "transient"
	case KindNotFound:
		return "not_found"
	case KindStoreWrite:
		return "store_write"
	default:
		return "unknown"
	}
}

var (
	ErrSyncInProgress       = errors.New("sync already running for tenant")
	ErrTenantNotInitialized = errors.New("tenant not initialized")
	ErrBreakerOpen          = errors.New("tenant sync suspended after repeated authentication failures")
)

// Error is a classified failure carrying the identifiers of the unit of
// work it belongs to.
type Error struct {
	Kind      Kind
	Op        string
	TenantID  string
	UserID    string
	MessageID string
	Err       error
}

func (e *Error) Error() string {
	var b strings.Builder

	b.WriteString(e.Op)
	b.WriteString(": ")
	b.WriteString(e.Kind.String())

	for _, kv := range [][2]string{
		{"tenant", e.TenantID},
		{"user_id", e.UserID},
		{"message_id", e.MessageID},
	} {
		if kv[1] != "" {
			fmt.Fprintf(&b, " %s=%s", kv[0], kv[1])
		}
	}

	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}

	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// NewError wraps err with a kind.
func NewError(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf returns the kind of the outermost *Error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

func IsAuthentication(err error) bool { return KindOf(err) == KindAuthentication }
func IsTransient(err error) bool      { return KindOf(err) == KindTransient }
func IsNotFound(err error) bool       { return KindOf(err) == KindNotFound }
func IsStoreWrite(err error) bool     { return KindOf(err) == KindStoreWrite }

// withContext fills in missing identifiers on a classified error and
// classifies an unclassified one as kind.
func withContext(err error, kind Kind, op, tenantID, userID, messageID string) error {
	if err == nil {
		return nil
	}

	var e *Error
	if !errors.As(err, &e) {
		e = &Error{Kind: kind, Op: op, Err: err}
	} else {
		cp := *e
		e = &cp
	}

	if e.TenantID == "" {
		e.TenantID = tenantID
	}
	if e.UserID == "" {
		e.UserID = userID
	}
	if e.MessageID == "" {
		e.MessageID = messageID
	}

	return e
}

func storeErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: KindStoreWrite, Op: op, Err: err}
}

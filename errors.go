package eventbus

import "fmt"

// ErrorKind enumerates the error kinds surfaced to callers via a reply.
type ErrorKind int

const (
	// ErrKindNoHandlers means the target address has no registered handler
	// anywhere in the cluster (or on the chosen node, if the subscription
	// view was stale).
	ErrKindNoHandlers ErrorKind = iota
	// ErrKindTimeout means the reply timer fired before a reply arrived.
	ErrKindTimeout
	// ErrKindRecipientFailure means the receiving handler explicitly
	// signalled failure via Message.Fail.
	ErrKindRecipientFailure
)

func (k ErrorKind) String() string {
	switch k {
	case ErrKindNoHandlers:
		return "NO_HANDLERS"
	case ErrKindTimeout:
		return "TIMEOUT"
	case ErrKindRecipientFailure:
		return "RECIPIENT_FAILURE"
	default:
		return "UNKNOWN"
	}
}

// BusError is the typed error value delivered to a reply handler or
// returned from Request when delivery fails for a reason the bus itself
// understands, as opposed to a transport-level error.
type BusError struct {
	Kind ErrorKind
	Code int32
	Msg  string
}

func (e *BusError) Error() string {
	if e.Msg == "" {
		return e.Kind.String()
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

// Is supports errors.Is against the package-level sentinel errors below.
func (e *BusError) Is(target error) bool {
	t, ok := target.(*BusError)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// Sentinels for errors.Is comparisons. Callers should compare with
// errors.Is(err, eventbus.ErrNoHandlers), not type-assert directly, since
// the concrete *BusError also carries a message and optional failure code.
var (
	ErrNoHandlers       = &BusError{Kind: ErrKindNoHandlers}
	ErrTimeout          = &BusError{Kind: ErrKindTimeout}
	ErrRecipientFailure = &BusError{Kind: ErrKindRecipientFailure}
)

// ErrClosed is returned by public API calls made after Close has been
// invoked.
var ErrClosed = fmt.Errorf("eventbus: bus is closed")

// ErrNoCodec is the synchronous argument error returned when a message
// body has no built-in encoding and no registered codec, in clustered mode.
type ErrNoCodec struct {
	TypeName string
}

func (e *ErrNoCodec) Error() string {
	return fmt.Sprintf("eventbus: no codec registered for type %q", e.TypeName)
}

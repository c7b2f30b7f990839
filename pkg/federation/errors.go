package federation

import (
	"errors"
	"fmt"
)

// Error taxonomy shared by the codec, the dispatcher and the orchestrator.
var (
	ErrMalformedEnvelope   = errors.New("malformed envelope")
	ErrSignatureInvalid    = errors.New("signature invalid")
	ErrKeyNotFound         = errors.New("key not found")
	ErrInvalidHandle       = errors.New("invalid handle")
	ErrUnknownMessageKind  = errors.New("unknown message kind")
	ErrAuthorNotPermitted  = errors.New("author not permitted")
	ErrParentNotFound      = errors.New("parent not found")
	ErrDuplicateMessage    = errors.New("duplicate message")
	ErrTransportTimeout    = errors.New("transport timeout")
	ErrProtocolUnsupported = errors.New("protocol unsupported by peer")
)

// TransportError reports a failed transmission. Code is the HTTP status, or
// zero when no response was received.
type TransportError struct {
	Code int
	URL  string
	Err  error
}

func (e *TransportError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("transport error (code %d) for %s: %v", e.Code, e.URL, e.Err)
	}
	return fmt.Sprintf("transport error (code %d) for %s", e.Code, e.URL)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// IsSoft reports whether err should be absorbed as success: duplicates and
// unknown message kinds.
func IsSoft(err error) bool {
	return errors.Is(err, ErrDuplicateMessage) || errors.Is(err, ErrUnknownMessageKind)
}

// IsPermanent reports whether resending the same message can never succeed.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrMalformedEnvelope) ||
		errors.Is(err, ErrSignatureInvalid) ||
		errors.Is(err, ErrInvalidHandle) ||
		errors.Is(err, ErrAuthorNotPermitted)
}

// StatusCode extracts the HTTP status from a transport error, or zero.
func StatusCode(err error) int {
	var te *TransportError
	if errors.As(err, &te) {
		return te.Code
	}
	return 0
}

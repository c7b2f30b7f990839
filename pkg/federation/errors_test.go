package federation

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsSoft(t *testing.T) {
	assert.True(t, IsSoft(fmt.Errorf("guid g1: %w", ErrDuplicateMessage)))
	assert.True(t, IsSoft(ErrUnknownMessageKind))
	assert.False(t, IsSoft(ErrSignatureInvalid))
	assert.False(t, IsSoft(nil))
}

func TestIsPermanent(t *testing.T) {
	assert.True(t, IsPermanent(fmt.Errorf("verify: %w", ErrSignatureInvalid)))
	assert.True(t, IsPermanent(ErrMalformedEnvelope))
	assert.False(t, IsPermanent(ErrTransportTimeout))
	assert.False(t, IsPermanent(ErrParentNotFound))
}

func TestTransportError(t *testing.T) {
	cause := errors.New("connection refused")
	err := fmt.Errorf("post: %w", &TransportError{Code: 502, URL: "https://a.example/receive", Err: cause})

	assert.Equal(t, 502, StatusCode(err))
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "code 502")
	assert.Equal(t, 0, StatusCode(errors.New("other")))
}

package errors

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestConstructorsClassifyKind(t *testing.T) {
	assert.Equal(t, NotFound, KindOf(NewNotFound("missing")))
	assert.Equal(t, PermissionDenied, KindOf(NewPermissionDenied("denied")))
	assert.True(t, Is(NewAlreadyExists("dup"), AlreadyExists))
}

func TestKindOfDefaultsToInternalForOpaqueErrors(t *testing.T) {
	assert.Equal(t, Internal, KindOf(errors.New("boom")))
}

func TestWrapPreservesCauseAndMessage(t *testing.T) {
	cause := errors.New("driver failure")
	wrapped := Wrap(cause, "store: insert")
	assert.Equal(t, Internal, wrapped.Kind)
	assert.Contains(t, wrapped.Error(), "store: insert")
	assert.Contains(t, wrapped.Error(), "driver failure")
}

func TestWrapKindUsesGivenKind(t *testing.T) {
	wrapped := WrapKind(Unavailable, errors.New("conn reset"), "tunnel: send")
	assert.Equal(t, Unavailable, wrapped.Kind)
	assert.True(t, Is(wrapped, Unavailable))
}

func TestAsUnwrapsClassifiedError(t *testing.T) {
	e, ok := As(NewInvalidArgument("bad input"))
	require := assert.New(t)
	require.True(ok)
	require.Equal(InvalidArgument, e.Kind)

	_, ok = As(errors.New("plain"))
	assert.False(t, ok)
}

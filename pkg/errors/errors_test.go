package errors

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAppErrorError(t *testing.T) {
	err := New("TEST", "something broke", http.StatusBadRequest)
	require.Equal(t, "something broke", err.Error())

	wrapped := err.WithInternal(fmt.Errorf("root cause"))
	require.Equal(t, "something broke: root cause", wrapped.Error())
	// the original copy must be untouched
	require.Nil(t, err.Internal)
}

func TestUnwrapSupportsErrorsIs(t *testing.T) {
	cause := errors.New("disk full")
	err := Wrap(cause, "save failed")
	require.ErrorIs(t, err, cause)
}

func TestFromErrorPassesThroughAppErrors(t *testing.T) {
	require.Nil(t, FromError(nil))

	got := FromError(ErrTenantMismatch)
	require.Equal(t, "TENANT_MISMATCH", got.Code)
	require.Equal(t, http.StatusForbidden, got.StatusCode)
}

func TestFromErrorWrapsPlainErrors(t *testing.T) {
	got := FromError(errors.New("boom"))
	require.Equal(t, ErrInternalServer.Code, got.Code)
	require.NotNil(t, got.Internal)
}

func TestWithMessageCopies(t *testing.T) {
	custom := ErrRoomNotFound.WithMessage(`room "R9" not found`)
	require.Equal(t, ErrRoomNotFound.Code, custom.Code)
	require.NotEqual(t, ErrRoomNotFound.Message, custom.Message)
}

package wserr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestIsMatchesKindThroughWrapping(t *testing.T) {
	err := New(OutOfSpace, "buddy.Allocate", "no free node at requested level")
	wrapped := fmt.Errorf("retry failed: %w", err)

	require.True(t, Is(wrapped, OutOfSpace))
	require.False(t, Is(wrapped, Timeout))
	require.False(t, Is(errors.New("plain error"), InvalidArgument))
}

func TestWrapNilCauseReturnsNil(t *testing.T) {
	require.Nil(t, Wrap(System, "vaw.Allocate", nil))
}

func TestErrorStringIncludesOpKindAndCause(t *testing.T) {
	cause := errors.New("flock: resource temporarily unavailable")
	err := Wrap(System, "vaw.Allocate", cause)
	require.Contains(t, err.Error(), "vaw.Allocate")
	require.Contains(t, err.Error(), "System")
	require.Contains(t, err.Error(), cause.Error())
}

func TestKindStringUnknownDefault(t *testing.T) {
	require.Equal(t, "Unknown", Kind(-1).String())
}

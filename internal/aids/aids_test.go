package aids

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestIifPicksBranch(t *testing.T) {
	require.Equal(t, "yes", Iif(true, "yes", "no"))
	require.Equal(t, "no", Iif(false, "yes", "no"))
}

func TestAssertPanicsOnFalse(t *testing.T) {
	require.Panics(t, func() { Assert(false, "boom") })
	require.NotPanics(t, func() { Assert(true, "boom") })
}

func TestMustReturnsValueOnSuccess(t *testing.T) {
	v := Must(42, nil)
	require.Equal(t, 42, v)
}

func TestMustPanicsOnError(t *testing.T) {
	require.Panics(t, func() { Must(0, errors.New("fail")) })
}

func TestMust0PanicsOnError(t *testing.T) {
	require.Panics(t, func() { Must0(errors.New("fail")) })
	require.NotPanics(t, func() { Must0(nil) })
}

func TestPtrReturnsPointerToCopy(t *testing.T) {
	v := 5
	p := Ptr(v)
	v = 6

	require.Equal(t, 5, *p)
}

func TestNowMSReturnsPositiveTimestamp(t *testing.T) {
	require.Greater(t, NowMS(), int64(0))
}

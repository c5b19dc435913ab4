package ports

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSystemClockNowMSReturnsPositiveValue(t *testing.T) {
	var c Clock = SystemClock{}

	require.Greater(t, c.NowMS(), int64(0))
}

package timelog

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDeltasInOrder(t *testing.T) {
	l := New(4)
	base := time.Unix(1000, 0)
	for i := 0; i < 3; i++ {
		l.Mark(base.Add(time.Duration(i) * time.Millisecond))
	}
	deltas := l.Deltas()
	require.Len(t, deltas, 2)
	for _, d := range deltas {
		require.Equal(t, time.Millisecond, d)
	}
}

func TestRingWraps(t *testing.T) {
	l := New(2)
	base := time.Unix(2000, 0)
	for i := 0; i < 5; i++ {
		l.Mark(base.Add(time.Duration(i) * time.Second))
	}
	deltas := l.Deltas()
	require.Len(t, deltas, 1)
	require.Equal(t, time.Second, deltas[0])
}

func TestPercentileEmpty(t *testing.T) {
	l := New(4)
	require.Zero(t, l.Percentile(50))
}

package portbroker

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReserveIsDeterministicAndExclusive(t *testing.T) {
	b := New(30000, 30010)

	p1, err := b.Reserve("stream-a")
	require.NoError(t, err)
	assert.GreaterOrEqual(t, p1, 30000)
	assert.LessOrEqual(t, p1, 30010)

	p1again, err := b.Reserve("stream-a")
	require.NoError(t, err)
	assert.Equal(t, p1, p1again, "reserving for an already-held stream is idempotent")

	p2, err := b.Reserve("stream-b")
	require.NoError(t, err)
	assert.NotEqual(t, p1, p2, "two distinct streams never share a port")
}

func TestReleaseAllowsReReservation(t *testing.T) {
	b := New(30000, 30001) // only two ports in range

	p1, err := b.Reserve("stream-a")
	require.NoError(t, err)
	_, err = b.Reserve("stream-b")
	require.NoError(t, err)

	_, err = b.Reserve("stream-c")
	assert.Error(t, err, "range exhausted")

	b.Release("stream-a")

	p3, err := b.Reserve("stream-c")
	require.NoError(t, err)
	assert.Equal(t, p1, p3, "released port is immediately available again")
}

func TestReleaseIsIdempotent(t *testing.T) {
	b := New(30000, 30010)
	b.Release("never-reserved")
	b.Release("never-reserved")
}

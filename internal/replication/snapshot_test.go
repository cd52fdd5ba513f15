package replication

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEmptySnapshotLength(t *testing.T) {
	snap := EmptySnapshot()
	require.Len(t, snap, 88)
}

func TestEmptySnapshotStableAcrossCalls(t *testing.T) {
	require.Equal(t, EmptySnapshot(), EmptySnapshot())
}

func TestEmptySnapshotMagicHeader(t *testing.T) {
	snap := EmptySnapshot()
	require.Equal(t, "REDIS0011", string(snap[:9]))
}

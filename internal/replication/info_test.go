package replication

import (
	"io"
	"net"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

func testLogger() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}

func TestGenerateReplIDLength(t *testing.T) {
	id := GenerateReplID()
	require.Len(t, id, 40)
	for _, c := range id {
		require.Regexp(t, "^[a-zA-Z0-9]$", string(c))
	}
}

func TestGenerateReplIDUnique(t *testing.T) {
	a := GenerateReplID()
	b := GenerateReplID()
	require.NotEqual(t, a, b)
}

func TestInfoLinesOrderAndContent(t *testing.T) {
	info := NewInfo(RoleMaster, testLogger())
	lines := info.InfoLines()
	require.Contains(t, lines, "role:master")
	require.Contains(t, lines, "master_replid:"+info.ReplID())
	require.Contains(t, lines, "master_repl_offset:0")
	require.Equal(t, "role:master\nmaster_replid:"+info.ReplID()+"\nmaster_repl_offset:0", lines)
}

func TestPropagateAfterAdvancesOffsetOnMasterOnly(t *testing.T) {
	master := NewInfo(RoleMaster, testLogger())
	var mutated bool
	master.PropagateAfter(func() { mutated = true }, []byte("*1\r\n$4\r\nPING\r\n"))
	require.True(t, mutated)
	require.EqualValues(t, 14, master.Offset())

	replica := NewInfo(RoleReplica, testLogger())
	mutated = false
	replica.PropagateAfter(func() { mutated = true }, []byte("*1\r\n$4\r\nPING\r\n"))
	require.True(t, mutated)
	require.EqualValues(t, 0, replica.Offset())
}

func TestPropagateAfterFansOutInOrder(t *testing.T) {
	info := NewInfo(RoleMaster, testLogger())

	serverConn, clientConn := net.Pipe()
	defer serverConn.Close()
	defer clientConn.Close()

	info.AttachReplica(serverConn)
	require.Equal(t, 1, info.ReplicaCount())

	received := make(chan []byte, 2)
	go func() {
		buf := make([]byte, 64)
		for i := 0; i < 2; i++ {
			n, err := clientConn.Read(buf)
			if err != nil {
				return
			}
			got := make([]byte, n)
			copy(got, buf[:n])
			received <- got
		}
	}()

	info.PropagateAfter(func() {}, []byte("frame-1"))
	info.PropagateAfter(func() {}, []byte("frame-2"))

	require.Equal(t, []byte("frame-1"), <-received)
	require.Equal(t, []byte("frame-2"), <-received)
}

func TestPropagateAfterDetachesDeadReplica(t *testing.T) {
	info := NewInfo(RoleMaster, testLogger())

	serverConn, clientConn := net.Pipe()
	info.AttachReplica(serverConn)
	clientConn.Close()
	serverConn.Close()

	require.Equal(t, 1, info.ReplicaCount())
	info.PropagateAfter(func() {}, []byte("frame"))
	require.Equal(t, 0, info.ReplicaCount())
}

func TestDetachReplicaByAddr(t *testing.T) {
	info := NewInfo(RoleMaster, testLogger())
	serverConn, clientConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	info.AttachReplica(serverConn)
	require.Equal(t, 1, info.ReplicaCount())

	info.DetachReplica(serverConn.RemoteAddr().String())
	require.Equal(t, 0, info.ReplicaCount())
}

package server

import (
	"bufio"
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/faizanhussain2310/redislite/internal/clock"
	"github.com/faizanhussain2310/redislite/internal/config"
	"github.com/faizanhussain2310/redislite/internal/replication"
	"github.com/faizanhussain2310/redislite/internal/store"
)

func testLogger() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}

// startTestServer boots a Server on an ephemeral loopback port and returns
// its address and replication state; shutdown is registered with
// t.Cleanup. The caller may pass a clock (e.g. a clock.Mock) to control
// expiry timing.
func startTestServer(t *testing.T, clk clock.Clock) (addr string, repl *replication.Info) {
	t.Helper()

	cfg := config.Default()
	cfg.Host = "127.0.0.1"
	cfg.Port = 0

	st := store.New()
	repl = replication.NewInfo(replication.RoleMaster, testLogger())
	srv := New(cfg, st, repl, clk, testLogger())

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	srv.listener = ln

	ctx, cancel := context.WithCancel(context.Background())
	go srv.acceptLoop(ctx)

	t.Cleanup(func() {
		cancel()
		srv.Shutdown()
	})

	return ln.Addr().String(), repl
}

func dialTest(t *testing.T, addr string) net.Conn {
	t.Helper()
	conn, err := net.DialTimeout("tcp", addr, 2*time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readN(t *testing.T, r io.Reader, n int) []byte {
	t.Helper()
	buf := make([]byte, n)
	_, err := io.ReadFull(r, buf)
	require.NoError(t, err)
	return buf
}

func TestScenarioPing(t *testing.T) {
	addr, _ := startTestServer(t, clock.NewSystem())
	conn := dialTest(t, addr)

	_, err := conn.Write([]byte("*1\r\n$4\r\nPING\r\n"))
	require.NoError(t, err)
	require.Equal(t, "+PONG\r\n", string(readN(t, conn, len("+PONG\r\n"))))
}

func TestScenarioEcho(t *testing.T) {
	addr, _ := startTestServer(t, clock.NewSystem())
	conn := dialTest(t, addr)

	_, err := conn.Write([]byte("*2\r\n$4\r\nECHO\r\n$5\r\nmango\r\n"))
	require.NoError(t, err)
	require.Equal(t, "$5\r\nmango\r\n", string(readN(t, conn, len("$5\r\nmango\r\n"))))
}

func TestScenarioSetGet(t *testing.T) {
	addr, _ := startTestServer(t, clock.NewSystem())
	conn := dialTest(t, addr)

	_, err := conn.Write([]byte("*3\r\n$3\r\nSET\r\n$3\r\nfoo\r\n$3\r\nbar\r\n"))
	require.NoError(t, err)
	require.Equal(t, "+OK\r\n", string(readN(t, conn, len("+OK\r\n"))))

	_, err = conn.Write([]byte("*2\r\n$3\r\nGET\r\n$3\r\nfoo\r\n"))
	require.NoError(t, err)
	require.Equal(t, "$3\r\nbar\r\n", string(readN(t, conn, len("$3\r\nbar\r\n"))))
}

func TestScenarioExpiry(t *testing.T) {
	mock := clock.NewMock()
	addr, _ := startTestServer(t, mock)
	conn := dialTest(t, addr)

	_, err := conn.Write([]byte("*5\r\n$3\r\nSET\r\n$1\r\nk\r\n$1\r\nv\r\n$2\r\nPX\r\n$3\r\n100\r\n"))
	require.NoError(t, err)
	require.Equal(t, "+OK\r\n", string(readN(t, conn, len("+OK\r\n"))))

	mock.Advance(200)

	_, err = conn.Write([]byte("*2\r\n$3\r\nGET\r\n$1\r\nk\r\n"))
	require.NoError(t, err)
	require.Equal(t, "$-1\r\n", string(readN(t, conn, len("$-1\r\n"))))
}

func TestScenarioPipelinedFrames(t *testing.T) {
	addr, _ := startTestServer(t, clock.NewSystem())
	conn := dialTest(t, addr)

	payload := "*3\r\n$3\r\nSET\r\n$3\r\nfoo\r\n$3\r\n123\r\n" +
		"*3\r\n$3\r\nSET\r\n$3\r\nbar\r\n$3\r\n456\r\n"
	_, err := conn.Write([]byte(payload))
	require.NoError(t, err)

	require.Equal(t, "+OK\r\n+OK\r\n", string(readN(t, conn, len("+OK\r\n+OK\r\n"))))
}

func TestScenarioReplicaHandshakeAndPropagation(t *testing.T) {
	addr, repl := startTestServer(t, clock.NewSystem())

	conn := dialTest(t, addr)
	reader := bufio.NewReader(conn)

	_, err := conn.Write([]byte("*1\r\n$4\r\nPING\r\n"))
	require.NoError(t, err)
	require.Equal(t, "+PONG\r\n", readLine(t, reader))

	_, err = conn.Write([]byte("*3\r\n$8\r\nREPLCONF\r\n$14\r\nlistening-port\r\n$5\r\n12345\r\n"))
	require.NoError(t, err)
	require.Equal(t, "+OK\r\n", readLine(t, reader))

	_, err = conn.Write([]byte("*3\r\n$8\r\nREPLCONF\r\n$4\r\ncapa\r\n$6\r\npsync2\r\n"))
	require.NoError(t, err)
	require.Equal(t, "+OK\r\n", readLine(t, reader))

	_, err = conn.Write([]byte("*3\r\n$5\r\nPSYNC\r\n$1\r\n?\r\n$2\r\n-1\r\n"))
	require.NoError(t, err)
	fullresync := readLine(t, reader)
	require.Regexp(t, "^\\+FULLRESYNC [a-zA-Z0-9]{40} 0\r\n$", fullresync)

	header := readLine(t, reader)
	require.Equal(t, "$88\r\n", header)
	snapshot := readN(t, reader, 88)
	require.Equal(t, "REDIS0011", string(snapshot[:9]))

	require.Eventually(t, func() bool { return repl.ReplicaCount() == 1 }, time.Second, 10*time.Millisecond)

	writer := dialTest(t, addr)
	_, err = writer.Write([]byte("*3\r\n$3\r\nSET\r\n$1\r\nk\r\n$1\r\nv\r\n"))
	require.NoError(t, err)
	require.Equal(t, "+OK\r\n", string(readN(t, writer, len("+OK\r\n"))))

	propagated := readN(t, reader, len("*3\r\n$3\r\nSET\r\n$1\r\nk\r\n$1\r\nv\r\n"))
	require.Equal(t, "*3\r\n$3\r\nSET\r\n$1\r\nk\r\n$1\r\nv\r\n", string(propagated))
}

func readLine(t *testing.T, r *bufio.Reader) string {
	t.Helper()
	line, err := r.ReadString('\n')
	require.NoError(t, err)
	return line
}

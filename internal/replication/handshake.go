package replication

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/faizanhussain2310/redislite/internal/resp"
)

// MasterLink is the replica-side outbound connection to its master: the
// initial handshake followed by the long-lived streaming receive loop.
// It is owned by a single worker goroutine and is never shared.
type MasterLink struct {
	conn   net.Conn
	log    *logrus.Entry
	replID string

	// rxBuf holds bytes read from conn that have not yet been consumed by
	// a handshake reply, the snapshot payload, or Stream. Handshake
	// replies can arrive coalesced with the bytes that follow them (the
	// FULLRESYNC line and the start of the snapshot payload are commonly
	// in the same TCP segment), so every reader on this link shares one
	// buffer instead of discarding its own leftovers.
	rxBuf []byte
	chunk []byte

	offsetMu sync.Mutex
	offset   int64
}

// Apply is called once per command frame received on the master link,
// with the frame's command-name-and-arguments already split out. It must
// mutate local state exactly as a client write would, but never writes a
// reply back to the master.
type Apply func(args []string)

// Dial connects to a master at host:port and performs the four-step
// handshake (PING, REPLCONF listening-port, REPLCONF capa psync2,
// PSYNC ? -1), discarding the fixed snapshot payload since this store
// starts empty regardless. A failed handshake step is fatal to the
// caller; the process is expected to exit rather than retry silently.
func Dial(host string, port, ownPort int, log *logrus.Entry) (*MasterLink, *Info, error) {
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	conn, err := net.DialTimeout("tcp", addr, 5*time.Second)
	if err != nil {
		return nil, nil, fmt.Errorf("replication: dial master %s: %w", addr, err)
	}

	link := &MasterLink{
		conn:  conn,
		log:   log.WithField("component", "replication.master-link"),
		chunk: make([]byte, 4096),
	}

	if err := link.handshake(ownPort); err != nil {
		conn.Close()
		return nil, nil, err
	}

	info := NewInfo(RoleReplica, log)
	info.SetMasterReplID(link.replID)
	return link, info, nil
}

// handshake performs the four sequential exchanges. Each step blocks for
// the master's reply before sending the next.
func (m *MasterLink) handshake(ownPort int) error {
	steps := []struct {
		name string
		args []string
		want func(resp.Value) error
	}{
		{"PING", []string{"PING"}, expectSimpleString("PONG")},
		{"REPLCONF listening-port", []string{"REPLCONF", "listening-port", strconv.Itoa(ownPort)}, expectSimpleString("OK")},
		{"REPLCONF capa", []string{"REPLCONF", "capa", "psync2"}, expectSimpleString("OK")},
	}

	for _, step := range steps {
		if err := m.send(step.args...); err != nil {
			return fmt.Errorf("replication: handshake %s: %w", step.name, err)
		}
		v, err := m.readReply()
		if err != nil {
			return fmt.Errorf("replication: handshake %s: %w", step.name, err)
		}
		if err := step.want(v); err != nil {
			return fmt.Errorf("replication: handshake %s: %w", step.name, err)
		}
		m.log.WithField("step", step.name).Debug("handshake step ok")
	}

	if err := m.send("PSYNC", "?", "-1"); err != nil {
		return fmt.Errorf("replication: handshake PSYNC: %w", err)
	}
	v, err := m.readReply()
	if err != nil {
		return fmt.Errorf("replication: handshake PSYNC: %w", err)
	}
	if v.Kind != resp.SimpleString || !strings.HasPrefix(v.Str, "FULLRESYNC ") {
		return fmt.Errorf("replication: handshake PSYNC: unexpected reply %q", v.Str)
	}
	fields := strings.Fields(v.Str)
	if len(fields) != 3 {
		return fmt.Errorf("replication: handshake PSYNC: malformed FULLRESYNC line %q", v.Str)
	}
	m.replID = fields[1]

	if _, err := m.readSnapshot(); err != nil {
		return fmt.Errorf("replication: handshake PSYNC snapshot: %w", err)
	}

	m.log.WithField("replid", m.replID).Info("full resync complete")
	return nil
}

func expectSimpleString(want string) func(resp.Value) error {
	return func(v resp.Value) error {
		if v.Kind != resp.SimpleString || v.Str != want {
			return fmt.Errorf("expected +%s, got %+v", want, v)
		}
		return nil
	}
}

func (m *MasterLink) send(args ...string) error {
	_, err := m.conn.Write(resp.EncodeCommand(args...))
	return err
}

// fill reads more bytes from conn into rxBuf, blocking until at least one
// byte arrives or the connection errors.
func (m *MasterLink) fill() error {
	n, err := m.conn.Read(m.chunk)
	if n > 0 {
		m.rxBuf = append(m.rxBuf, m.chunk[:n]...)
	}
	if n == 0 && err != nil {
		return err
	}
	return nil
}

// readReply reads exactly one standard RESP frame from rxBuf, filling
// from the socket as needed, and leaves any bytes past the frame in
// rxBuf for the next reader.
func (m *MasterLink) readReply() (resp.Value, error) {
	for {
		v, next, err := resp.Decode(m.rxBuf, 0)
		if err == nil {
			m.rxBuf = m.rxBuf[next:]
			return v, nil
		}
		if err != resp.ErrIncomplete {
			return resp.Value{}, err
		}
		if ferr := m.fill(); ferr != nil {
			return resp.Value{}, fmt.Errorf("read: %w", ferr)
		}
	}
}

// readSnapshot reads the raw "$<n>\r\n<n bytes>" framed payload that
// follows a FULLRESYNC line. Unlike every other reply on this link, it
// has no trailing CRLF, so it cannot go through resp.Decode. Any bytes
// read past the payload (the start of the live write stream) are left in
// rxBuf for Stream to pick up.
func (m *MasterLink) readSnapshot() ([]byte, error) {
	for len(m.rxBuf) == 0 || m.rxBuf[0] != '$' {
		if err := m.fill(); err != nil {
			return nil, fmt.Errorf("read snapshot header: %w", err)
		}
	}

	headerEnd := -1
	for {
		if i := indexCRLF(m.rxBuf); i != -1 {
			headerEnd = i
			break
		}
		if err := m.fill(); err != nil {
			return nil, fmt.Errorf("read snapshot header: %w", err)
		}
	}

	length, err := strconv.Atoi(string(m.rxBuf[1:headerEnd]))
	if err != nil {
		return nil, fmt.Errorf("invalid snapshot length %q: %w", m.rxBuf[1:headerEnd], err)
	}

	payloadStart := headerEnd + 2
	for len(m.rxBuf)-payloadStart < length {
		if err := m.fill(); err != nil {
			return nil, fmt.Errorf("read snapshot payload: %w", err)
		}
	}

	payload := m.rxBuf[payloadStart : payloadStart+length]
	m.rxBuf = m.rxBuf[payloadStart+length:]
	return payload, nil
}

func indexCRLF(buf []byte) int {
	for i := 0; i+1 < len(buf); i++ {
		if buf[i] == '\r' && buf[i+1] == '\n' {
			return i
		}
	}
	return -1
}

// Stream runs the long-lived receive loop: decode RESP frames as they
// arrive, applying each to local state without replying, until ctx is
// canceled or the master link closes. Several complete frames may arrive
// in a single read and are all drained before the next Read call. Any
// bytes left over in rxBuf from the handshake (e.g. a write that
// arrived coalesced with the snapshot payload) are consumed first.
func (m *MasterLink) Stream(ctx context.Context, apply Apply) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		offset := 0
		for {
			v, next, derr := resp.Decode(m.rxBuf, offset)
			if derr == resp.ErrIncomplete {
				break
			}
			if derr != nil {
				return fmt.Errorf("replication: malformed frame from master: %w", derr)
			}

			args, aerr := v.AsBulkStrings()
			if aerr != nil {
				return fmt.Errorf("replication: non-command frame from master: %w", aerr)
			}

			m.offsetMu.Lock()
			m.offset += int64(next - offset)
			currentOffset := m.offset
			m.offsetMu.Unlock()

			if len(args) >= 2 && strings.EqualFold(args[0], "REPLCONF") && strings.EqualFold(args[1], "GETACK") {
				if ackErr := m.send("REPLCONF", "ACK", strconv.FormatInt(currentOffset, 10)); ackErr != nil {
					return fmt.Errorf("replication: ACK write failed: %w", ackErr)
				}
			} else if len(args) > 0 {
				apply(args)
			}

			offset = next
		}
		m.rxBuf = m.rxBuf[offset:]

		if err := m.fill(); err != nil {
			return fmt.Errorf("replication: master link closed: %w", err)
		}
	}
}

// Offset reports how many bytes of the replication stream this link has
// consumed so far.
func (m *MasterLink) Offset() int64 {
	m.offsetMu.Lock()
	defer m.offsetMu.Unlock()
	return m.offset
}

func (m *MasterLink) Close() error { return m.conn.Close() }

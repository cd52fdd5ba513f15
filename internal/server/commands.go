package server

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/faizanhussain2310/redislite/internal/replication"
	"github.com/faizanhussain2310/redislite/internal/resp"
)

// dispatch interprets one decoded command frame and returns the encoded
// reply bytes. Every accepted command produces a reply (ok=true), also on
// a connection that has completed PSYNC; ok is false only alongside a
// non-nil error. An error return means the frame is a protocol violation
// and the connection must close.
func (d *dispatcher) dispatch(args []string, nowMS int64, frame []byte) (reply []byte, ok bool, err error) {
	if len(args) == 0 {
		return nil, false, fmt.Errorf("server: empty command array")
	}

	switch strings.ToUpper(args[0]) {
	case "PING":
		if len(args) != 1 {
			return nil, false, fmt.Errorf("server: PING: wrong number of arguments")
		}
		return resp.Encode(resp.NewSimpleString("PONG")), true, nil

	case "ECHO":
		if len(args) != 2 {
			return nil, false, fmt.Errorf("server: ECHO: wrong number of arguments")
		}
		return resp.Encode(resp.NewBulkStringFrom(args[1])), true, nil

	case "SET":
		return d.handleSet(args, nowMS, frame)

	case "GET":
		if len(args) != 2 {
			return nil, false, fmt.Errorf("server: GET: wrong number of arguments")
		}
		payload, found := d.store.Get(args[1], nowMS)
		if !found {
			return resp.Encode(resp.NewNullBulkString()), true, nil
		}
		return resp.Encode(resp.NewBulkString(payload)), true, nil

	case "TTL":
		if len(args) != 2 {
			return nil, false, fmt.Errorf("server: TTL: wrong number of arguments")
		}
		remainingMS := d.store.TTLMillis(args[1], nowMS)
		if remainingMS < 0 {
			return resp.Encode(resp.NewInteger(remainingMS)), true, nil
		}
		return resp.Encode(resp.NewInteger(remainingMS / 1000)), true, nil

	case "INFO":
		if len(args) != 1 && len(args) != 2 {
			return nil, false, fmt.Errorf("server: INFO: wrong number of arguments")
		}
		return resp.Encode(resp.NewBulkStringFrom(d.repl.InfoLines())), true, nil

	case "REPLCONF":
		if len(args) < 1 {
			return nil, false, fmt.Errorf("server: REPLCONF: wrong number of arguments")
		}
		return resp.Encode(resp.NewSimpleString("OK")), true, nil

	case "PSYNC":
		return d.handlePsync(args)

	default:
		return nil, false, fmt.Errorf("server: unknown command %q", args[0])
	}
}

// handleSet applies SET k v [PX ms]. On a master, the raw received frame
// is fanned out to every attached replica under the same lock that
// applies the write, so replica and master stores never disagree on
// write order.
func (d *dispatcher) handleSet(args []string, nowMS int64, frame []byte) ([]byte, bool, error) {
	if len(args) != 3 && len(args) != 5 {
		return nil, false, fmt.Errorf("server: SET: wrong number of arguments")
	}

	key, val := args[1], args[2]
	var expiresAtMS int64
	hasExpiry := false

	if len(args) == 5 {
		if !strings.EqualFold(args[3], "PX") {
			return nil, false, fmt.Errorf("server: SET: unsupported option %q", args[3])
		}
		ms, err := strconv.ParseInt(args[4], 10, 64)
		if err != nil || ms < 0 {
			return nil, false, fmt.Errorf("server: SET: invalid PX value %q", args[4])
		}
		expiresAtMS = nowMS + ms
		hasExpiry = true
	}

	payload := []byte(val)
	d.repl.PropagateAfter(func() {
		d.store.Set(key, payload, expiresAtMS, hasExpiry)
	}, frame)

	return resp.Encode(resp.NewSimpleString("OK")), true, nil
}

// handlePsync marks this connection as an attached replica and replies
// with a FULLRESYNC control line immediately followed by the raw,
// unterminated snapshot payload.
func (d *dispatcher) handlePsync(args []string) ([]byte, bool, error) {
	if len(args) != 3 {
		return nil, false, fmt.Errorf("server: PSYNC: wrong number of arguments")
	}

	snapshot := replication.EmptySnapshot()

	out := resp.Encode(resp.NewSimpleString(fmt.Sprintf("FULLRESYNC %s 0", d.repl.ReplID())))
	out = append(out, '$')
	out = strconv.AppendInt(out, int64(len(snapshot)), 10)
	out = append(out, '\r', '\n')
	out = append(out, snapshot...)

	d.role = roleReplica
	d.repl.AttachReplica(d.conn)

	return out, true, nil
}

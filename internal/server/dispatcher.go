package server

import (
	"context"
	"net"

	"github.com/sirupsen/logrus"

	"github.com/faizanhussain2310/redislite/internal/clock"
	"github.com/faizanhussain2310/redislite/internal/config"
	"github.com/faizanhussain2310/redislite/internal/replication"
	"github.com/faizanhussain2310/redislite/internal/resp"
	"github.com/faizanhussain2310/redislite/internal/store"
)

type connRole int

const (
	roleClient connRole = iota
	roleReplica
)

// dispatcher owns one connection's read buffer and command loop. It is
// never shared across goroutines.
type dispatcher struct {
	id    int64
	conn  net.Conn
	store *store.Store
	repl  *replication.Info
	clock clock.Clock
	log   *logrus.Entry
	cfg   config.Config

	role connRole
}

// run drains the socket until EOF, a protocol error, or ctx cancellation,
// decoding and applying every complete frame as it arrives.
func (d *dispatcher) run(ctx context.Context) {
	defer func() {
		if d.role == roleReplica {
			d.repl.DetachReplica(d.conn.RemoteAddr().String())
		}
		d.conn.Close()
	}()

	readBufSize := d.cfg.ReadBufferSize
	if readBufSize <= 0 {
		readBufSize = 4096
	}

	buf := make([]byte, 0, readBufSize)
	chunk := make([]byte, readBufSize)

	for {
		if ctx.Err() != nil {
			return
		}

		n, rerr := d.conn.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
		}
		if n == 0 && rerr != nil {
			return
		}

		now := d.clock.NowMS()

		var out []byte
		offset := 0
		for {
			v, next, derr := resp.Decode(buf, offset)
			if derr == resp.ErrIncomplete {
				break
			}
			if derr != nil {
				d.log.WithError(derr).Warn("malformed frame, closing connection")
				return
			}

			frame := buf[offset:next]
			args, aerr := v.AsBulkStrings()
			if aerr != nil {
				d.log.WithError(aerr).Warn("command frame is not an array of bulk strings, closing connection")
				return
			}

			reply, ok, herr := d.dispatch(args, now, frame)
			if herr != nil {
				d.log.WithError(herr).Warn("command rejected, closing connection")
				return
			}
			if ok {
				out = append(out, reply...)
			}

			offset = next
		}
		buf = buf[offset:]

		if len(out) > 0 {
			if _, werr := d.conn.Write(out); werr != nil {
				return
			}
		}
	}
}

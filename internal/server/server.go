package server

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/faizanhussain2310/redislite/internal/clock"
	"github.com/faizanhussain2310/redislite/internal/config"
	"github.com/faizanhussain2310/redislite/internal/replication"
	"github.com/faizanhussain2310/redislite/internal/store"
)

// Server owns the TCP listener, the shared store, and the replication
// state, and spawns one dispatcher worker per accepted connection.
type Server struct {
	cfg   config.Config
	store *store.Store
	repl  *replication.Info
	clock clock.Clock
	log   *logrus.Entry

	limiter *rate.Limiter

	listener        net.Listener
	connections     sync.Map
	connIDCounter   atomic.Int64
	activeConnCount atomic.Int64
	wg              sync.WaitGroup

	mu         sync.Mutex
	isShutdown bool
}

// New builds a server around an already-constructed store and
// replication state, so that a replica can share the same store its
// master link is populating.
func New(cfg config.Config, st *store.Store, repl *replication.Info, clk clock.Clock, log *logrus.Entry) *Server {
	limit := rate.Inf
	if cfg.MaxAcceptsPerSecond > 0 {
		limit = rate.Limit(cfg.MaxAcceptsPerSecond)
	}
	return &Server{
		cfg:     cfg,
		store:   st,
		repl:    repl,
		clock:   clk,
		log:     log.WithField("component", "server"),
		limiter: rate.NewLimiter(limit, maxBurst(cfg.MaxAcceptsPerSecond)),
	}
}

func maxBurst(perSecond int) int {
	if perSecond <= 0 {
		return 1
	}
	return perSecond
}

// Start binds the listen address and runs the accept loop until ctx is
// canceled or the listener is closed.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("server: listen %s: %w", addr, err)
	}
	s.listener = listener
	s.log.WithField("addr", addr).Info("listening")

	go s.acceptLoop(ctx)

	<-ctx.Done()
	s.Shutdown()
	return nil
}

func (s *Server) acceptLoop(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		conn, err := s.listener.Accept()
		if err != nil {
			s.mu.Lock()
			down := s.isShutdown
			s.mu.Unlock()
			if down {
				return
			}
			s.log.WithError(err).Warn("accept failed")
			continue
		}

		if s.cfg.MaxConnections > 0 && int(s.activeConnCount.Load()) >= s.cfg.MaxConnections {
			s.log.WithField("remote", conn.RemoteAddr()).Warn("max connections reached, rejecting")
			conn.Close()
			continue
		}

		if err := s.limiter.Wait(ctx); err != nil {
			conn.Close()
			continue
		}

		s.wg.Add(1)
		go s.handleConnection(ctx, conn)
	}
}

func (s *Server) handleConnection(ctx context.Context, conn net.Conn) {
	defer s.wg.Done()

	id := s.connIDCounter.Add(1)
	s.activeConnCount.Add(1)
	defer s.activeConnCount.Add(-1)

	s.connections.Store(id, conn)
	defer s.connections.Delete(id)

	start := time.Now()
	d := &dispatcher{
		id:    id,
		conn:  conn,
		store: s.store,
		repl:  s.repl,
		clock: s.clock,
		log:   s.log.WithField("conn", id),
		cfg:   s.cfg,
	}
	d.run(ctx)

	if time.Since(start) > 2*time.Second {
		s.log.WithFields(logrus.Fields{"conn": id, "remote": conn.RemoteAddr()}).Debug("connection closed")
	}
}

// Shutdown closes the listener and every still-open connection, and
// waits up to five seconds for all dispatcher workers to exit.
func (s *Server) Shutdown() {
	s.mu.Lock()
	if s.isShutdown {
		s.mu.Unlock()
		return
	}
	s.isShutdown = true
	s.mu.Unlock()

	s.log.Info("shutting down")

	if s.listener != nil {
		s.listener.Close()
	}

	s.connections.Range(func(_, v interface{}) bool {
		if conn, ok := v.(net.Conn); ok {
			conn.Close()
		}
		return true
	})

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		s.log.Warn("shutdown timed out waiting for connections to drain")
	}
}

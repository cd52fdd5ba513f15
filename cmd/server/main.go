package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/faizanhussain2310/redislite/internal/clock"
	"github.com/faizanhussain2310/redislite/internal/config"
	"github.com/faizanhussain2310/redislite/internal/replication"
	"github.com/faizanhussain2310/redislite/internal/server"
	"github.com/faizanhussain2310/redislite/internal/store"
)

// launchArgs holds the flags this launcher understands. --replicaof takes
// two positional values, which the standard flag package cannot express
// directly, so the whole command line is walked by hand.
type launchArgs struct {
	port          int
	portSet       bool
	configPath    string
	replicaOfHost string
	replicaOfPort int
	isReplica     bool
}

func parseArgs(args []string) (launchArgs, error) {
	out := launchArgs{port: config.Default().Port}

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--port":
			if i+1 >= len(args) {
				return out, fmt.Errorf("--port requires a value")
			}
			p, err := strconv.Atoi(args[i+1])
			if err != nil {
				return out, fmt.Errorf("--port: %w", err)
			}
			out.port = p
			out.portSet = true
			i++

		case "--config":
			if i+1 >= len(args) {
				return out, fmt.Errorf("--config requires a value")
			}
			out.configPath = args[i+1]
			i++

		case "--replicaof":
			if i+2 >= len(args) {
				return out, fmt.Errorf("--replicaof requires HOST and PORT")
			}
			p, err := strconv.Atoi(args[i+2])
			if err != nil {
				return out, fmt.Errorf("--replicaof port: %w", err)
			}
			out.replicaOfHost = args[i+1]
			out.replicaOfPort = p
			out.isReplica = true
			i += 2

		default:
			return out, fmt.Errorf("unrecognized argument %q", args[i])
		}
	}
	return out, nil
}

func main() {
	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	entry := logrus.NewEntry(log)

	launch, err := parseArgs(os.Args[1:])
	if err != nil {
		entry.WithError(err).Fatal("invalid arguments")
	}

	cfg := config.Default()
	cfg.Port = launch.port
	if launch.configPath != "" {
		cfg, err = config.LoadFile(launch.configPath, cfg)
		if err != nil {
			entry.WithError(err).Fatal("failed to load config file")
		}
		if launch.portSet {
			cfg.Port = launch.port
		}
	}
	if launch.isReplica {
		cfg.ReplicaOfHost = launch.replicaOfHost
		cfg.ReplicaOfPort = launch.replicaOfPort
	}

	st := store.New()
	clk := clock.NewSystem()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var repl *replication.Info
	if cfg.IsReplica() {
		entry.WithFields(logrus.Fields{"host": cfg.ReplicaOfHost, "port": cfg.ReplicaOfPort}).Info("connecting to master")
		link, info, dialErr := replication.Dial(cfg.ReplicaOfHost, cfg.ReplicaOfPort, cfg.Port, entry)
		if dialErr != nil {
			entry.WithError(dialErr).Fatal("replication handshake failed")
		}
		repl = info
		go func() {
			streamErr := link.Stream(ctx, func(args []string) {
				applyWriteFromMaster(st, clk, args)
			})
			if streamErr != nil && ctx.Err() == nil {
				entry.WithError(streamErr).Error("master link closed")
			}
		}()
	} else {
		repl = replication.NewInfo(replication.RoleMaster, entry)
	}

	srv := server.New(cfg, st, repl, clk, entry)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		entry.Info("received shutdown signal")
		cancel()
	}()

	entry.WithFields(logrus.Fields{"host": cfg.Host, "port": cfg.Port, "role": repl.Role()}).Info("starting server")
	if startErr := srv.Start(ctx); startErr != nil {
		entry.WithError(startErr).Fatal("server failed")
	}
}

// applyWriteFromMaster interprets a frame received on the master link the
// same way a client write would be interpreted, except it never replies.
// Only SET is expected on this path; anything else is ignored.
func applyWriteFromMaster(st *store.Store, clk clock.Clock, args []string) {
	if len(args) == 0 {
		return
	}
	if !strings.EqualFold(args[0], "SET") {
		return
	}
	if len(args) != 3 && len(args) != 5 {
		return
	}

	now := clk.NowMS()
	key, val := args[1], args[2]
	var expiresAtMS int64
	hasExpiry := false

	if len(args) == 5 {
		ms, err := strconv.ParseInt(args[4], 10, 64)
		if err == nil && ms >= 0 {
			expiresAtMS = now + ms
			hasExpiry = true
		}
	}

	st.Set(key, []byte(val), expiresAtMS, hasExpiry)
}

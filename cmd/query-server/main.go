// Command query-server runs the blockchain query/pub-sub server: a
// ROUTER-based request worker, a heartbeat PUB socket, a block/transaction
// publisher, and a bounded subscription manager, all backed by the bolt
// reference node implementation.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/mlmikael/libbitcoin-server/auth"
	"github.com/mlmikael/libbitcoin-server/config"
	"github.com/mlmikael/libbitcoin-server/handlers"
	"github.com/mlmikael/libbitcoin-server/logging"
	"github.com/mlmikael/libbitcoin-server/node"
	"github.com/mlmikael/libbitcoin-server/node/boltnode"
	"github.com/mlmikael/libbitcoin-server/publisher"
	"github.com/mlmikael/libbitcoin-server/registry"
	"github.com/mlmikael/libbitcoin-server/subscribe"
	"github.com/mlmikael/libbitcoin-server/worker"
)

func main() {
	var (
		cfgFile  string
		logLevel string
		logFile  string
		verbose  bool
	)
	flag.StringVar(&cfgFile, "config", "", "path to a TOML settings file; built-in defaults are used if empty")
	flag.StringVar(&logLevel, "log_level", "", "DEBUG, INFO, NOTICE, WARNING, or ERROR; overrides the settings file")
	flag.StringVar(&logFile, "log_file", "", "log file path; stdout if empty")
	flag.BoolVar(&verbose, "verbose", false, "enable verbose ZAP authenticator logging")
	flag.Parse()

	if err := run(cfgFile, logLevel, logFile, verbose); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cfgFile, logLevelOverride, logFile string, verbose bool) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	if logLevelOverride != "" {
		cfg.Logging.Level = logLevelOverride
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logWriter, closeLog, err := openLogWriter(logFile)
	if err != nil {
		return err
	}
	defer closeLog()
	backend := logging.NewBackend(logWriter, cfg.Logging.Level)
	log := backend.Logger("query-server")

	n, err := boltnode.Open(cfg.Node.DatabasePath, 0)
	if err != nil {
		return fmt.Errorf("open node database: %w", err)
	}
	defer n.Close()

	authState, err := buildAuthState(cfg.Server)
	if err != nil {
		return fmt.Errorf("build auth state: %w", err)
	}
	if err := authState.Start(verbose); err != nil {
		return fmt.Errorf("start auth: %w", err)
	}
	defer auth.Stop()

	reg := registry.New()
	subs := subscribe.New(subscribe.Config{
		SubscriptionLimit:             int(cfg.Server.SubscriptionLimit),
		SubscriptionExpirationMinutes: cfg.Server.SubscriptionExpirationMins,
	}, backend.Logger("subscribe"))
	defer subs.Stop()

	var wk *worker.Worker
	if cfg.Server.QueriesEnabled {
		wk = worker.New(worker.Settings{
			QueryEndpoint:            cfg.Server.QueryEndpoint,
			HeartbeatEndpoint:        cfg.Server.HeartbeatEndpoint,
			PollingIntervalSeconds:   cfg.Server.PollingIntervalSeconds,
			HeartbeatIntervalSeconds: cfg.Server.HeartbeatIntervalSeconds,
			QueueHighWaterMark:       cfg.Server.QueueHighWaterMark,
		}, authState, reg, backend.Logger("worker"))

		handlers.Attach(reg, handlers.Deps{
			Node:    n,
			Subs:    subs,
			Log:     backend.Logger("handlers"),
			Context: context.Background(),
		})

		if err := wk.Start(); err != nil {
			return fmt.Errorf("start worker: %w", err)
		}
		defer wk.Stop()
		// handlers.Deps.Queue must be bound after Start opens the send
		// queue; re-attach with it so address.subscribe/renew can reach it.
		handlers.Attach(reg, handlers.Deps{
			Node:    n,
			Subs:    subs,
			Queue:   wk.Queue(),
			Log:     backend.Logger("handlers"),
			Context: context.Background(),
		})
	}

	pub := publisher.New(publisher.Settings{
		BlockEndpoint:       cfg.Server.BlockPublishEndpoint,
		TransactionEndpoint: cfg.Server.TransactionPublishEndpoint,
		Enabled:             cfg.Server.PublisherEnabled,
	}, backend.Logger("publisher"))
	if err := pub.Start(); err != nil {
		return fmt.Errorf("start publisher: %w", err)
	}
	defer pub.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// One fan-out loop drives both the publisher and the subscription
	// manager from the same event streams: node.BlockEvents/TransactionEvents
	// each deliver a value to exactly one reader, so Run cannot be handed
	// the raw node here without starving whichever consumer loses the race.
	go fanOutNodeEvents(ctx, n, pub, subs)

	if wk != nil {
		go func() {
			if err := wk.Run(ctx); err != nil {
				log.Errorf("worker run loop exited: %v", err)
			}
		}()
	}

	log.Noticef("query-server started")
	waitForShutdown(log)
	return nil
}

// fanOutNodeEvents is the only reader of n's event channels: it publishes
// every added block and pool-accepted transaction, and replays every
// transaction in an added block through the subscription manager, per
// spec.md §4.6 and §4.7. Disconnected blocks are never replayed or
// published, matching the node's reorg semantics.
func fanOutNodeEvents(ctx context.Context, n node.Node, pub *publisher.Publisher, subs *subscribe.Manager) {
	blocks := n.BlockEvents()
	txs := n.TransactionEvents()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-blocks:
			if !ok {
				blocks = nil
				continue
			}
			for _, b := range ev.Added {
				pub.PublishBlock(b)
				for _, raw := range b.Transactions {
					subs.Submit(b.Height, b.Hash, raw)
				}
			}
		case ev, ok := <-txs:
			if !ok {
				txs = nil
				continue
			}
			pub.PublishTransaction(ev.Raw)
		}
	}
}

func buildAuthState(s config.Server) (*auth.State, error) {
	state := &auth.State{}

	whitelist, err := auth.ParseWhitelist(s.Whitelist)
	if err != nil {
		return nil, err
	}
	state.Whitelist = whitelist

	if s.CertificateFile != "" {
		cert, err := auth.GenerateCertificate(s.CertificateFile)
		if err != nil {
			return nil, err
		}
		state.ServerCertificate = cert
	}
	state.ClientCertificateDir = s.ClientCertificatesPath

	return state, nil
}

func openLogWriter(path string) (io.Writer, func() error, error) {
	if path == "" {
		return os.Stdout, func() error { return nil }, nil
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return nil, nil, err
	}
	return f, f.Close, nil
}

func waitForShutdown(log logging.Logger) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Noticef("received signal %v, shutting down", sig)
}

package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/MatusOllah/slogcolor"
	"github.com/ebbtide-im/ebbtide/pkg/config"
	"github.com/ebbtide-im/ebbtide/pkg/federation"
	"github.com/ebbtide-im/ebbtide/pkg/routes"
	"github.com/ebbtide-im/ebbtide/pkg/store"
)

func main() {
	slog.SetDefault(slog.New(slogcolor.NewHandler(os.Stderr, slogcolor.DefaultOptions)))

	cfg, err := config.Load()
	if err != nil {
		slog.Error("loading configuration", "error", err)
		os.Exit(1)
	}

	stores, db, err := store.Open(cfg.Database.User, cfg.Database.Password, cfg.Database.Host, cfg.Database.DB)
	if err != nil {
		slog.Error("opening database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	if err := store.Migrate(db); err != nil {
		slog.Error("migrating database", "error", err)
		os.Exit(1)
	}

	ident, err := federation.EnsureIdentity(stores.Identity, cfg.NodeName)
	if err != nil {
		slog.Error("preparing node identity", "error", err)
		os.Exit(1)
	}
	privateKey, err := federation.ParsePrivateKey(ident.PrivateKeyPEM)
	if err != nil {
		slog.Error("parsing node private key", "error", err)
		os.Exit(1)
	}

	verifier := federation.NewVerifier(stores.Nodes)
	registry := federation.NewRegistry(stores.Nodes, cfg.Federation.HandshakeTimeout, cfg.Federation.AutoSuspendAfter, verifier.Invalidate)
	signer := federation.NewSigner(cfg.NodeName, privateKey)
	deliverer := federation.NewDeliverer(signer, stores.Nodes, stores.Outbound, registry, cfg.Federation.DeliveryTimeout, cfg.Federation.MaxAttempts)

	notifier := routes.NewWaveNotifier()
	inbox := federation.NewInbox(stores.InboxLog, stores.Waves, stores.Users, stores.RemoteUsers, stores.RemotePings, notifier)
	service := federation.NewService(cfg.NodeName, stores.Waves, stores.Pings, stores.Users, deliverer, notifier)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	processor := federation.NewQueueProcessor(deliverer, stores.Outbound, stores.InboxLog, cfg.Federation.ProcessInterval, cfg.Federation.Retention)
	go processor.Run(ctx)

	router := routes.NewFederationRouter(*cfg, stores, signer, verifier, registry, inbox, service, notifier)
	slog.Info("ebbtide listening", "addr", cfg.ListenAddr, "node", cfg.NodeName)
	if err := router.Serve(ctx, cfg.ListenAddr); err != nil {
		slog.Error("http server exited", "error", err)
		os.Exit(1)
	}
	slog.Info("ebbtide stopped")
}

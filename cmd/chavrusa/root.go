package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/chavrusa-dev/chavrusa/pkg/api"
	"github.com/chavrusa-dev/chavrusa/pkg/auth"
	"github.com/chavrusa-dev/chavrusa/pkg/chat"
	"github.com/chavrusa-dev/chavrusa/pkg/config"
	"github.com/chavrusa-dev/chavrusa/pkg/observability"
	"github.com/chavrusa-dev/chavrusa/pkg/persist"
	"github.com/chavrusa-dev/chavrusa/pkg/realtime"
)

// Version is set via ldflags.
var Version = "dev"

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "chavrusa",
		Short:         "Chavrusa is a chat client for Torah learning",
		Long:          "Chavrusa connects you with an AI study partner modeled on classic Torah commentators.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVar(&configPath, "config", defaultConfigPath(),
		"path to the configuration file")

	root.AddCommand(
		newChatCmd(&configPath),
		newSessionsCmd(&configPath),
		newRabbisCmd(&configPath),
		newLoginCmd(&configPath),
		newSignupCmd(&configPath),
		newLogoutCmd(&configPath),
		newVersionCmd(),
	)

	return root
}

func defaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "config.yaml"
	}
	return filepath.Join(home, ".chavrusa", "config.yaml")
}

// app bundles the wired client components.
type app struct {
	cfg      *config.Config
	backend  persist.Backend
	identity *auth.Manager
	client   *api.Client
	channel  *realtime.Channel
	store    *chat.Store
}

// buildApp wires config, persistence, auth, the API client, the realtime
// channel, and the chat store together.
func buildApp(configPath string) (*app, error) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var backend persist.Backend
	switch cfg.Storage.Backend {
	case "redis":
		backend, err = persist.NewRedisBackend(persist.RedisConfig{
			Addr:     cfg.Storage.Redis.Addr,
			Password: cfg.Storage.Redis.Password,
			DB:       cfg.Storage.Redis.DB,
			Prefix:   cfg.Storage.Redis.Prefix,
			StateTTL: cfg.Storage.Redis.StateTTL,
			PoolSize: cfg.Storage.Redis.PoolSize,
		})
	default:
		backend, err = persist.NewFileBackend(cfg.Storage.FileDir)
	}
	if err != nil {
		return nil, fmt.Errorf("open storage backend: %w", err)
	}

	identity := auth.NewManager(cfg.IdentityURL, backend)
	client := api.NewClient(cfg.APIBaseURL, identity)

	var channel *realtime.Channel
	var storeChannel chat.Channel
	if cfg.WebsocketURL != "" {
		channel = realtime.NewChannel(cfg.WebsocketURL, identity, nil)
		storeChannel = channel
	}

	store := chat.NewStore(client, identity, storeChannel, backend,
		chat.WithNotifier(func(msg string) { fmt.Printf("* %s\n", msg) }))
	if channel != nil {
		channel.SetHandler(store)
	}
	if cfg.DefaultRabbi != "" {
		store.SelectRabbi(cfg.DefaultRabbi)
	}

	observability.InitMetrics()
	if err := observability.InitTracingFromEnv(); err != nil {
		log.Printf("tracing init failed: %v", err)
	}
	if cfg.MetricsEnabled {
		obs := observability.NewServer(cfg.MetricsPort)
		go func() {
			if err := obs.Start(); err != nil {
				log.Printf("metrics server error: %v", err)
			}
		}()
	}

	return &app{
		cfg:      cfg,
		backend:  backend,
		identity: identity,
		client:   client,
		channel:  channel,
		store:    store,
	}, nil
}

// shutdown flushes state and releases connections.
func (a *app) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := a.store.Close(ctx); err != nil {
		log.Printf("state flush failed: %v", err)
	}
	if a.channel != nil {
		_ = a.channel.Close()
	}
	if err := observability.ShutdownTracing(ctx); err != nil {
		log.Printf("tracing shutdown failed: %v", err)
	}
	_ = a.backend.Close()
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the client version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("chavrusa %s\n", Version)
		},
	}
}

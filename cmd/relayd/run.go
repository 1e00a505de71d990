package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/term"

	"github.com/spf13/cobra"

	"github.com/chainguild/cgp/config"
	"github.com/chainguild/cgp/crypto"
	"github.com/chainguild/cgp/engine"
	"github.com/chainguild/cgp/retention"
	"github.com/chainguild/cgp/store"
	"github.com/chainguild/cgp/wire"
)

func newRunCommand() *cobra.Command {
	var (
		configPath string
		clean      bool
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "run the relay until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRelay(cmd.Context(), configPath, clean)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "path to a YAML configuration file (optional)")
	cmd.Flags().BoolVar(&clean, "clean", false, "wipe the DB path before starting")
	return cmd
}

func runRelay(ctx context.Context, configPath string, clean bool) error {
	cfg := config.Default()
	if configPath != "" {
		loaded, err := config.LoadConfig[config.RelayConfig](configPath)
		if err != nil {
			return fmt.Errorf("loading configuration: %w", err)
		}
		cfg = *loaded
	}
	if err := cfg.ApplyEnv(); err != nil {
		return err
	}
	if err := cfg.Check(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	if clean {
		if err := os.RemoveAll(cfg.DB); err != nil {
			return fmt.Errorf("cleaning DB path: %w", err)
		}
	}

	relayKey, err := loadRelayKey(cfg.KeyFile)
	if err != nil {
		return fmt.Errorf("loading relay identity: %w", err)
	}
	relayToken := relayKey.PublicKey()
	slog.Info("relayd: loaded relay identity", "token", relayToken.String())

	logStore, err := store.OpenSQLiteStore(cfg.DB)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer logStore.Close()

	registry := wire.NewRegistry()
	eng := engine.New(logStore, relayToken, registry)
	server := wire.NewServer(eng, "relayd", "0.1")
	server.Registry = registry

	loopCtx, cancelLoop := context.WithCancel(ctx)
	defer cancelLoop()
	go retention.NewLoop(eng, retention.RelayIdentity{Token: relayToken, Key: relayKey}).Run(loopCtx)

	mux := http.NewServeMux()
	mux.Handle("/", server)
	httpServer := &http.Server{Addr: fmt.Sprintf(":%d", cfg.Port), Handler: mux}

	serveErr := make(chan error, 1)
	go func() {
		slog.Info("relayd: listening", "port", cfg.Port)
		serveErr <- httpServer.ListenAndServe()
	}()

	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-serveErr:
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("relay server: %w", err)
		}
	case <-sigCtx.Done():
		slog.Info("relayd: shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutting down server: %w", err)
		}
	}
	return nil
}

// loadRelayKey reads the relay's identity key from path, prompting for a
// passphrase on stdin only if the key file turns out to be passphrase-
// sealed (an unsealed "plain:" file, the keygen default, needs none).
func loadRelayKey(path string) (crypto.PrivateKey, error) {
	if key, err := crypto.ReadEncryptedKeyFile(path, nil); err == nil {
		return key, nil
	} else if err != crypto.ErrKeyFileWrongPassword {
		return crypto.ZeroPrivateKey, err
	}
	fmt.Fprint(os.Stderr, "relay key passphrase: ")
	passphrase, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return crypto.ZeroPrivateKey, fmt.Errorf("reading passphrase: %w", err)
	}
	return crypto.ReadEncryptedKeyFile(path, passphrase)
}

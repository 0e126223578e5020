// Command rss-node runs one node of an RSS committee over HTTP.
package main

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"github.com/tkey/tkey-sub000/pkg/math/curve"
	"github.com/tkey/tkey-sub000/pkg/math/sample"
	"github.com/tkey/tkey-sub000/pkg/rss"
	"go.uber.org/zap"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "rss-node",
		Short:         "Run a node of an RSS committee",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.AddCommand(newServeCmd(), newKeygenCmd())
	return root
}

func newServeCmd() *cobra.Command {
	var (
		configPath string
		listen     string
		storeDir   string
		logLevel   string
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the node API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := LoadConfig(configPath)
			if err != nil {
				return err
			}
			flags := cmd.Flags()
			if flags.Changed("listen") {
				cfg.Listen = listen
			}
			if flags.Changed("store-dir") {
				cfg.StoreDir = storeDir
			}
			if flags.Changed("log-level") {
				cfg.Log.Level = logLevel
			}
			if err = cfg.Validate(); err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path of the YAML configuration")
	cmd.Flags().StringVar(&listen, "listen", "", "listen address, overrides the configuration")
	cmd.Flags().StringVar(&storeDir, "store-dir", "", "badger directory, overrides the configuration")
	cmd.Flags().StringVar(&logLevel, "log-level", "", "log level, overrides the configuration")
	return cmd
}

func newKeygenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "keygen",
		Short: "Print a fresh node key and its public key",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			key, pub := sample.ScalarPointPair(rand.Reader, curve.Secp256k1{})
			data, err := key.MarshalBinary()
			if err != nil {
				return err
			}
			pubHex, err := curve.PointToHex(pub)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "key: %x\npublicKey: %s\n", data, pubHex)
			return nil
		},
	}
}

func serve(ctx context.Context, cfg *Config) error {
	logger, err := newLogger(cfg.Log)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	node, closeStore, err := newNode(cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	gin.SetMode(gin.ReleaseMode)
	server := &http.Server{
		Addr:              cfg.Listen,
		Handler:           rss.NewServer(node, logger).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errs := make(chan error, 1)
	go func() {
		logger.Info("serving",
			zap.Int("node", cfg.Index),
			zap.String("listen", cfg.Listen),
			zap.Int("committee", cfg.Committee.Size),
			zap.Int("threshold", cfg.Committee.Threshold))
		errs <- server.ListenAndServe()
	}()

	select {
	case err = <-errs:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

// newNode opens the key store and builds the node described by cfg.
func newNode(cfg *Config, logger *zap.Logger) (*rss.Node, func(), error) {
	key, err := cfg.NodeKey()
	if err != nil {
		return nil, nil, err
	}
	verifiers, err := cfg.VerifierKeys()
	if err != nil {
		return nil, nil, err
	}

	var (
		store     rss.KeyStore
		closeFunc = func() {}
	)
	if cfg.StoreDir == "" {
		logger.Warn("no store directory, key records are kept in memory")
		store = rss.NewMemoryKeyStore()
	} else {
		badgerStore, err := rss.OpenBadgerKeyStore(cfg.StoreDir, logger)
		if err != nil {
			return nil, nil, err
		}
		store = badgerStore
		closeFunc = func() {
			if err := badgerStore.Close(); err != nil {
				logger.Error("close key store", zap.Error(err))
			}
		}
	}

	opts := []rss.NodeOption{rss.WithNodeLogger(logger)}
	for name, pub := range verifiers {
		opts = append(opts, rss.WithVerifierKey(name, pub))
	}
	return rss.NewNode(cfg.Index, key, store, opts...), closeFunc, nil
}

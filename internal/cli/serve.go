package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/sheikh-saqib/token-settlement-ledger/internal/api"
	"github.com/sheikh-saqib/token-settlement-ledger/internal/config"
	apperrors "github.com/sheikh-saqib/token-settlement-ledger/internal/errors"
	"github.com/sheikh-saqib/token-settlement-ledger/internal/events/kafka"
	interfaces "github.com/sheikh-saqib/token-settlement-ledger/internal/interfaces"
	"github.com/sheikh-saqib/token-settlement-ledger/internal/ledger"
	"github.com/sheikh-saqib/token-settlement-ledger/internal/logging"
	"github.com/sheikh-saqib/token-settlement-ledger/internal/receiver"
	"github.com/sheikh-saqib/token-settlement-ledger/internal/registry"
	"github.com/sheikh-saqib/token-settlement-ledger/internal/settlement"
	"github.com/sheikh-saqib/token-settlement-ledger/internal/storage/memory"
	"github.com/sheikh-saqib/token-settlement-ledger/internal/storage/postgres"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// BuiltinDeFi as a receiver URL deploys the in-process DeFi receiver
// instead of an HTTP client.
const BuiltinDeFi = "builtin:defi"

const shutdownTimeout = 10 * time.Second

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	Addr string
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the ledger HTTP server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(rootOpts.EnvFile)
			if err != nil {
				return err
			}
			if opts.Addr != "" {
				cfg.HTTPAddr = opts.Addr
			}

			logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
			if err != nil {
				return err
			}
			defer logger.Sync()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, logger)
		},
	}

	cmd.Flags().StringVar(&opts.Addr, "addr", "", "listen address, overrides LEDGER_HTTP_ADDR")

	return cmd
}

func serve(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	app, err := Build(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer app.Close()

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           app.Handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting server", zap.String("addr", cfg.HTTPAddr), zap.String("store", cfg.Store))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("listen: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// App is a fully wired ledger.
type App struct {
	Handler     http.Handler
	Ledger      *ledger.Ledger
	Coordinator *settlement.Coordinator
	Receivers   *receiver.Directory

	closers []func() error
}

// Close releases the store and publisher.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	return errors.Join(errs...)
}

// Build wires storage, events, the ledger and the HTTP API from cfg and
// issues the initial supply on an empty store.
func Build(ctx context.Context, cfg config.Config, logger *zap.Logger) (_ *App, err error) {
	app := &App{}
	defer func() {
		if err != nil {
			app.Close()
		}
	}()

	var store interfaces.LedgerStore
	switch cfg.Store {
	case config.StorePostgres:
		pg, err := postgres.Open(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, err
		}
		app.closers = append(app.closers, pg.Close)
		store = pg
	default:
		store = memory.NewMemoryLedgerStore()
	}

	var publisher interfaces.EventPublisher
	if len(cfg.KafkaBrokers) > 0 {
		p := kafka.NewPublisher(cfg.KafkaBrokers, cfg.KafkaTopicPrefix)
		app.closers = append(app.closers, p.Close)
		publisher = p
	}

	storageCfg, err := cfg.StorageConfig()
	if err != nil {
		return nil, err
	}
	reg := registry.New(store, storageCfg,
		registry.WithLogger(logger.Named("registry")),
		registry.WithPublisher(publisher))
	app.Ledger = ledger.NewLedger(reg,
		ledger.WithLogger(logger.Named("ledger")),
		ledger.WithPublisher(publisher))

	if err := issue(ctx, app.Ledger, cfg, logger); err != nil {
		return nil, err
	}

	app.Receivers = receiver.NewDirectory()
	client := &http.Client{}
	for account, url := range cfg.Receivers {
		if url == BuiltinDeFi {
			app.Receivers.Deploy(account, receiver.DeFi{})
		} else {
			app.Receivers.Deploy(account, receiver.NewClient(url, client))
		}
		logger.Info("receiver deployed", zap.String("account", account), zap.String("url", url))
	}

	app.Coordinator = settlement.NewCoordinator(app.Ledger, app.Receivers,
		settlement.WithLogger(logger.Named("settlement")),
		settlement.WithReceiverTimeout(cfg.ReceiverTimeout))

	app.Handler = api.NewServer(app.Ledger, app.Coordinator, api.Metadata{
		Name:     cfg.TokenName,
		Symbol:   cfg.TokenSymbol,
		Decimals: cfg.TokenDecimals,
	}, logger.Named("api")).Handler()

	return app, nil
}

// issue mints the configured supply to the owner unless this store was
// issued before, by this run or an earlier one.
func issue(ctx context.Context, l *ledger.Ledger, cfg config.Config, logger *zap.Logger) error {
	supply, err := cfg.Supply()
	if err != nil {
		return err
	}
	err = l.Init(ctx, cfg.OwnerID, supply)
	if apperrors.IsCode(err, apperrors.CodeAlreadyIssued) {
		current, err := l.TotalSupply(ctx)
		if err != nil {
			return err
		}
		logger.Info("supply already issued", zap.Stringer("total_supply", current))
		return nil
	}
	return err
}

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/rapidverify/backend/internal/anchoring"
	"github.com/MarcoPoloResearchLab/rapidverify/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/rapidverify/backend/internal/config"
	"github.com/MarcoPoloResearchLab/rapidverify/backend/internal/database"
	"github.com/MarcoPoloResearchLab/rapidverify/backend/internal/ledger"
	"github.com/MarcoPoloResearchLab/rapidverify/backend/internal/logging"
	"github.com/MarcoPoloResearchLab/rapidverify/backend/internal/mode"
	"github.com/MarcoPoloResearchLab/rapidverify/backend/internal/records"
	"github.com/MarcoPoloResearchLab/rapidverify/backend/internal/server"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "rapidverify-api",
		Short: "RapidVerify verification ledger service",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(newIssueTokenCommand(), newReconcileCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("database-driver", defaults.GetString("database.driver"), "Record store driver (sqlite, mysql)")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("database-dsn", defaults.GetString("database.dsn"), "MySQL DSN")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("signing-secret", "", "Producer token signing secret (overrides env)")
	cmd.PersistentFlags().String("ledger-network", defaults.GetString("ledger.network"), "Ledger network name")
	cmd.PersistentFlags().String("ledger-rpc-url", "", "Ledger RPC endpoint (defaults to the network's public RPC)")
	cmd.PersistentFlags().Float64("score-threshold", defaults.GetFloat64("anchoring.score_threshold"), "Anchor on the ledger when score is below this value")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.driver", "database-driver")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "database.dsn", "database-dsn")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
	bindFlag(cmd, "ledger.network", "ledger-network")
	bindFlag(cmd, "ledger.rpc_url", "ledger-rpc-url")
	bindFlag(cmd, "anchoring.score_threshold", "score-threshold")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" || !errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

func newIssueTokenCommand() *cobra.Command {
	var subject string
	cmd := &cobra.Command{
		Use:   "issue-token",
		Short: "Print a producer token authorizing POST /anchor",
		RunE: func(cmd *cobra.Command, args []string) error {
			appConfig, err := config.Load(viper.GetViper())
			if err != nil {
				return err
			}
			if !appConfig.Auth.Enabled() {
				return errors.New("auth.signing_secret must be configured to issue tokens")
			}
			issuer, err := newTokenIssuer(appConfig.Auth)
			if err != nil {
				return err
			}
			token, expiresIn, err := issuer.IssueToken(cmd.Context(), subject)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			fmt.Fprintf(cmd.ErrOrStderr(), "expires in %s\n", time.Duration(expiresIn)*time.Second)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "", "Producer identity recorded in the token")
	_ = cmd.MarkFlagRequired("subject")
	return cmd
}

func newReconcileCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Run one confirmation sweep over pending records and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			appConfig, err := config.Load(viper.GetViper())
			if err != nil {
				return err
			}
			logger, err := logging.NewLogger(appConfig.LogLevel)
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck

			app, err := newApplication(cmd.Context(), appConfig, logger, nil)
			if err != nil {
				return err
			}
			defer app.Close()

			report, err := app.reconciler.Sweep(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "scanned=%d confirmed=%d failed=%d pending=%d\n",
				report.Scanned, report.Confirmed, report.Failed, report.StillPending)
			return nil
		},
	}
}

type application struct {
	service    *anchoring.Service
	reconciler *anchoring.Reconciler
	closers    []func()
}

func (a *application) Close() {
	for index := len(a.closers) - 1; index >= 0; index-- {
		a.closers[index]()
	}
}

func newApplication(ctx context.Context, appConfig config.AppConfig, logger *zap.Logger, events anchoring.EventPublisher) (*application, error) {
	app := &application{}

	db, err := database.Open(database.Options{
		Driver: appConfig.DatabaseDriver,
		Path:   appConfig.DatabasePath,
		DSN:    appConfig.DatabaseDSN,
	}, logger)
	if err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	app.closers = append(app.closers, func() { _ = sqlDB.Close() })

	store, err := records.NewStore(records.StoreConfig{Database: db, Logger: logger})
	if err != nil {
		app.Close()
		return nil, err
	}

	network, err := ledger.LookupNetwork(appConfig.Ledger.Network)
	if err != nil {
		app.Close()
		return nil, err
	}

	var anchoringLedger anchoring.Ledger
	var references anchoring.ReferenceSource
	modeConfig := mode.Config{
		Network:      network.Name,
		HealthTTL:    appConfig.Mode.HealthTTL,
		ProbeTimeout: appConfig.Mode.HealthTimeout,
		Logger:       logger,
	}
	if appConfig.Ledger.Enabled() {
		client, err := ledger.Dial(ctx, ledger.ClientConfig{
			Network:              network,
			RPCURL:               appConfig.Ledger.RPCURL,
			PrivateKeyHex:        appConfig.Ledger.PrivateKey,
			ContractAddress:      appConfig.Ledger.ContractAddress,
			GasLimit:             appConfig.Ledger.GasLimit,
			SubmissionsPerSecond: appConfig.Ledger.SubmissionsPerSecond,
			SubmissionBurst:      appConfig.Ledger.SubmissionBurst,
			PollInitialDelay:     appConfig.Ledger.PollInitialDelay,
			PollMaxDelay:         appConfig.Ledger.PollMaxDelay,
			Confirmations:        appConfig.Ledger.Confirmations,
			Logger:               logger,
		})
		if err != nil {
			app.Close()
			return nil, err
		}
		app.closers = append(app.closers, client.Close)
		anchoringLedger = client
		references = client
		modeConfig.Prober = client
		logger.Info("ledger configured",
			zap.String("network", network.Name),
			zap.String("contract", client.ContractAddress()),
			zap.String("wallet", client.Address()))
	} else if appConfig.Ledger.ReadOnly() {
		reader, err := ledger.DialReader(ctx, ledger.ReaderConfig{
			Network: network,
			RPCURL:  appConfig.Ledger.RPCURL,
			Logger:  logger,
		})
		if err != nil {
			app.Close()
			return nil, err
		}
		app.closers = append(app.closers, reader.Close)
		references = reader
		logger.Warn("ledger credentials not configured, records are kept locally with reference blocks",
			zap.String("network", network.Name))
	} else {
		logger.Warn("ledger credentials not configured, records are kept locally in demo mode")
	}

	service, err := anchoring.NewService(anchoring.ServiceConfig{
		Store:  store,
		Ledger: anchoringLedger,
		Modes:  mode.NewController(modeConfig),
		Policy: anchoring.Policy{
			ScoreThreshold: appConfig.Anchoring.ScoreThreshold,
			AnchorAll:      appConfig.Anchoring.AnchorAll,
			AllowForce:     appConfig.Anchoring.AllowForce,
		},
		SubmissionTimeout: appConfig.Anchoring.SubmissionTimeout,
		ConfirmWait:       appConfig.Anchoring.ConfirmWait,
		RefreshTimeout:    appConfig.Anchoring.RefreshTimeout,
		References:        references,
		ReferenceTimeout:  appConfig.Anchoring.ReferenceTimeout,
		Events:            events,
		Logger:            logger,
	})
	if err != nil {
		app.Close()
		return nil, err
	}

	reconciler, err := anchoring.NewReconciler(anchoring.ReconcilerConfig{
		Service:          service,
		Interval:         appConfig.Reconcile.Interval,
		BatchSize:        appConfig.Reconcile.BatchSize,
		Concurrency:      appConfig.Reconcile.Concurrency,
		ConfirmationWait: appConfig.Reconcile.ConfirmationWait,
		MaxAttempts:      appConfig.Reconcile.MaxAttempts,
		Logger:           logger,
	})
	if err != nil {
		app.Close()
		return nil, err
	}

	app.service = service
	app.reconciler = reconciler
	return app, nil
}

func newTokenIssuer(authConfig config.AuthConfig) (*auth.TokenIssuer, error) {
	return auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(authConfig.SigningSecret),
		Issuer:        authConfig.Issuer,
		Audience:      authConfig.Audience,
		TokenTTL:      authConfig.TokenTTL,
	})
}

func runServer(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	dispatcher := server.NewRealtimeDispatcher()
	app, err := newApplication(ctx, appConfig, logger, dispatcher)
	if err != nil {
		return err
	}
	defer app.Close()

	dependencies := server.Dependencies{
		Service:        app.service,
		Realtime:       dispatcher,
		AllowedOrigins: appConfig.AllowedOrigins,
		Logger:         logger,
	}
	if appConfig.Auth.Enabled() {
		tokenManager, err := newTokenIssuer(appConfig.Auth)
		if err != nil {
			return err
		}
		dependencies.TokenManager = tokenManager
	} else {
		logger.Warn("auth.signing_secret not configured, POST /anchor accepts unauthenticated requests")
	}

	handler, err := server.NewHTTPHandler(dependencies)
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              appConfig.HTTPAddress,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	group, groupCtx := errgroup.WithContext(signalCtx)
	group.Go(func() error {
		return app.reconciler.Run(groupCtx)
	})
	group.Go(func() error {
		logger.Info("server starting", zap.String("address", appConfig.HTTPAddress))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	return group.Wait()
}

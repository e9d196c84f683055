package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"github.com/dropDatabas3/tokend/internal/config"
	"github.com/dropDatabas3/tokend/internal/grant"
	ctrl "github.com/dropDatabas3/tokend/internal/http/controllers/oauth"
	"github.com/dropDatabas3/tokend/internal/http/router"
	svc "github.com/dropDatabas3/tokend/internal/http/services/oauth"
	jwtx "github.com/dropDatabas3/tokend/internal/jwt"
	"github.com/dropDatabas3/tokend/internal/metrics"
	"github.com/dropDatabas3/tokend/internal/observability/logger"
	"github.com/dropDatabas3/tokend/internal/security/password"
	"github.com/dropDatabas3/tokend/internal/security/pkce"
	pgstore "github.com/dropDatabas3/tokend/internal/store/pg"
	redisstore "github.com/dropDatabas3/tokend/internal/store/redis"
)

func main() {
	// .env es opcional; las env vars reales pisan el archivo.
	_ = godotenv.Load()

	var (
		configPath  string
		clientsPath string
	)

	root := &cobra.Command{
		Use:   "tokend",
		Short: "Authorization Server token endpoint",
	}
	root.PersistentFlags().StringVar(&configPath, "config", os.Getenv("TOKEND_CONFIG"), "ruta del config.yaml")
	root.PersistentFlags().StringVar(&clientsPath, "clients", os.Getenv("TOKEND_CLIENTS"), "ruta del clients.yaml (registro de clientes)")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Levanta el token endpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(configPath, clientsPath)
		},
	}
	root.AddCommand(serveCmd)

	hashCmd := &cobra.Command{
		Use:   "hash-secret <secret>",
		Short: "Hashea un client_secret (argon2id) para clients.yaml",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			h, err := password.Hash(password.Default, args[0])
			if err != nil {
				return err
			}
			fmt.Println(h)
			return nil
		},
	}
	root.AddCommand(hashCmd)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func serve(configPath, clientsPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	logger.Init(logger.Config{
		Env:         cfg.App.Env,
		Level:       cfg.Log.Level,
		ServiceName: "tokend",
	})
	defer func() { _ = logger.Sync() }()
	log := logger.L()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := buildStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("store: %w", err)
	}
	defer func() { _ = store.Close() }()

	clients, err := loadClients(clientsPath)
	if err != nil {
		return fmt.Errorf("clients: %w", err)
	}

	ks, err := jwtx.NewKeystore()
	if err != nil {
		return fmt.Errorf("keystore: %w", err)
	}
	issuer := jwtx.NewIssuer(cfg.JWT.Issuer, ks)
	issuer.AccessTTL = config.Dur(cfg.JWT.AccessTTL, 15*time.Minute)
	issuer.IDTokenTTL = config.Dur(cfg.JWT.IDTokenTTL, 15*time.Minute)

	if err := metrics.Register(nil); err != nil {
		return fmt.Errorf("metrics: %w", err)
	}

	tokenSvc := svc.NewTokenService(svc.TokenDeps{
		Grants:  store,
		Clients: clients,
		Issuer:  issuer,
		PKCE:    pkce.Validator{Required: cfg.Grants.PKCE.Required},
		Poll: grant.PollController{
			Interval: config.Dur(cfg.Grants.Poll.Interval, 5*time.Second),
		},
		Users: svc.AuthenticatorChain{svc.NewStaticUserAuthenticator()},
		Refresh: svc.RefreshPolicy{
			Rotation:             svc.RotationMode(cfg.Grants.Refresh.Rotation),
			RequireOfflineAccess: cfg.Grants.Refresh.RequireOfflineAccess,
			IDTokenOnRefresh:     cfg.Grants.Refresh.IDTokenOnRefresh,
			TTL:                  config.Dur(cfg.JWT.RefreshTTL, 30*24*time.Hour),
		},
		SupportedGrantTypes: cfg.Grants.Supported,
	})

	r := router.New(router.Deps{
		Token: ctrl.NewTokenController(tokenSvc),
	})

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info("token endpoint listening",
			logger.String("addr", cfg.Server.Addr),
			logger.String("store", cfg.Store.Driver),
		)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})

	if cfg.Sweeper.Enabled {
		sweeper := &grant.Sweeper{
			Store:    store,
			Interval: config.Dur(cfg.Sweeper.Interval, time.Minute),
		}
		g.Go(func() error {
			sweeper.Run(gctx)
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		log.Info("shutting down")
		return srv.Shutdown(shutCtx)
	})

	return g.Wait()
}

func buildStore(ctx context.Context, cfg *config.Config) (grant.Store, error) {
	codeTTL := config.Dur(cfg.Grants.AuthCodeTTL, 2*time.Minute)

	switch cfg.Store.Driver {
	case "redis":
		s := redisstore.New(redisstore.Config{
			Addr:     cfg.Store.Redis.Addr,
			Password: cfg.Store.Redis.Password,
			DB:       cfg.Store.Redis.DB,
			Prefix:   cfg.Store.Redis.Prefix,
		})
		if err := s.Ping(ctx); err != nil {
			return nil, err
		}
		return s, nil
	case "postgres":
		return pgstore.New(ctx, pgstore.Config{
			DSN:          cfg.Store.Postgres.DSN,
			MaxOpenConns: cfg.Store.Postgres.MaxOpenConns,
		})
	default:
		return grant.NewMemoryStore(codeTTL), nil
	}
}

// clientsFile es el formato del clients.yaml.
type clientsFile struct {
	Clients []struct {
		ClientID                     string   `yaml:"client_id"`
		SecretHash                   string   `yaml:"secret_hash"`
		GrantTypes                   []string `yaml:"grant_types"`
		Scopes                       []string `yaml:"scopes"`
		Disabled                     bool     `yaml:"disabled"`
		IDTokenTokenBindingCnf       string   `yaml:"id_token_token_binding_cnf"`
		BackchannelTokenDeliveryMode string   `yaml:"backchannel_token_delivery_mode"`
		AccessTokenTTL               string   `yaml:"access_token_ttl"`
		RefreshTokenTTL              string   `yaml:"refresh_token_ttl"`
		IDTokenTTL                   string   `yaml:"id_token_ttl"`
	} `yaml:"clients"`
}

func loadClients(path string) (*svc.MemoryClientStore, error) {
	store := svc.NewMemoryClientStore()
	if path == "" {
		return store, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var f clientsFile
	if err := yaml.Unmarshal(b, &f); err != nil {
		return nil, err
	}
	for _, c := range f.Clients {
		store.Put(&svc.Client{
			ClientID:                     c.ClientID,
			SecretHash:                   c.SecretHash,
			GrantTypes:                   c.GrantTypes,
			Scopes:                       c.Scopes,
			Disabled:                     c.Disabled,
			IDTokenTokenBindingCnf:       c.IDTokenTokenBindingCnf,
			BackchannelTokenDeliveryMode: grant.DeliveryMode(c.BackchannelTokenDeliveryMode),
			AccessTokenTTL:               config.Dur(c.AccessTokenTTL, 0),
			RefreshTokenTTL:              config.Dur(c.RefreshTokenTTL, 0),
			IDTokenTTL:                   config.Dur(c.IDTokenTTL, 0),
		})
	}
	return store, nil
}

package main

import (
	"context"
	"database/sql"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/redis/go-redis/v9"

	"sentra.org/internal/authz"
	"sentra.org/internal/config"
	"sentra.org/internal/credstore"
	"sentra.org/internal/gateway"
	"sentra.org/internal/httpapi"
	"sentra.org/internal/obs"
	"sentra.org/internal/password"
	"sentra.org/internal/session"
	"sentra.org/internal/token"
)

var (
	version = "0.3.0"
	commit  = "dev"
)

func main() {
	configPath := flag.String("config", os.Getenv("SENTRA_CONFIG"), "Path to TOML config")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	obs.Init()
	obs.InitBuildInfo(version, commit)

	var db *sql.DB
	if cfg.Postgres.DSN != "" {
		db, err = sql.Open("pgx", cfg.Postgres.DSN)
		if err != nil {
			log.Fatalf("open db: %v", err)
		}
		db.SetMaxOpenConns(10)
		db.SetMaxIdleConns(10)
		db.SetConnMaxLifetime(30 * time.Minute)
	}

	var (
		users    credstore.Store
		roles    credstore.RoleStore
		resolver authz.RoleResolver
		refresh  token.RefreshStore
	)
	if db != nil {
		pgRoles := credstore.NewPGRoleStore(db)
		users = credstore.NewPGStore(db)
		roles = pgRoles
		resolver = authz.RoleResolverFunc(pgRoles.Resolver())
		refresh = token.NewPGRefreshStore(db)
	} else {
		memRoles := credstore.NewMemoryRoleStore()
		users = credstore.NewMemoryStore()
		roles = memRoles
		resolver = authz.RoleResolverFunc(memRoles.Resolver())
		refresh = token.NewMemoryRefreshStore()
	}

	var sessionStore session.Store
	if cfg.Redis.Addr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		sessionStore, err = session.NewRedisStore(client)
		if err != nil {
			log.Fatalf("redis session store: %v", err)
		}
	} else {
		sessionStore = session.NewMemoryStore()
	}

	hasherParams := password.DefaultParams()
	hasherParams.MinLength = cfg.Password.MinLength
	hasherParams.MaxLength = cfg.Password.MaxLength
	hasher, err := password.NewHasher(hasherParams)
	if err != nil {
		log.Fatalf("password hasher: %v", err)
	}

	sessions, err := session.NewManager(sessionStore, session.Config{
		TTL:           cfg.Session.TTL.Std(),
		Sliding:       cfg.Session.Sliding,
		SweepInterval: cfg.Session.SweepInterval.Std(),
	})
	if err != nil {
		log.Fatalf("session manager: %v", err)
	}

	tokenOpts := []token.Option{
		token.WithIssuer(cfg.Token.Issuer),
		token.WithKeyID(cfg.Token.KeyID),
		token.WithAccessTTL(cfg.Token.AccessTTL.Std()),
		token.WithRefreshTTL(cfg.Token.RefreshTTL.Std()),
		token.WithChallengeTTL(cfg.Token.ChallengeTTL.Std()),
		token.WithLeeway(cfg.Token.Leeway.Std()),
	}
	if cfg.Token.Secret != "" {
		tokenOpts = append(tokenOpts, token.WithSecret(cfg.Token.Secret))
	} else {
		tokenOpts = append(tokenOpts, token.WithRS256Keys(cfg.Token.RSAPrivatePEM, cfg.Token.RSAPublicPEM))
	}
	tokens, err := token.NewService(refresh, token.NewMemoryRevocationSet(), tokenOpts...)
	if err != nil {
		log.Fatalf("token service: %v", err)
	}

	engine := authz.NewEngine(resolver)

	gwOpts := []gateway.Option{
		gateway.WithLockPolicy(credstore.LockPolicy{
			MaxAttempts: cfg.Lockout.MaxAttempts,
			Cooldown:    cfg.Lockout.Cooldown.Std(),
		}),
		gateway.WithMFAIssuer(cfg.MFA.Issuer),
		gateway.WithMFARequired(cfg.MFA.Required),
	}
	if cfg.OAuth.Provider != "" {
		idp, err := gateway.NewHTTPProvider(gateway.HTTPProviderConfig{
			Name:         cfg.OAuth.Provider,
			ClientID:     cfg.OAuth.ClientID,
			ClientSecret: cfg.OAuth.ClientSecret,
			TokenURL:     cfg.OAuth.TokenURL,
			UserInfoURL:  cfg.OAuth.UserInfoURL,
			RedirectURI:  cfg.OAuth.RedirectURI,
		}, nil)
		if err != nil {
			log.Fatalf("oauth provider: %v", err)
		}
		gwOpts = append(gwOpts, gateway.WithIdentityProvider(idp))
	}
	gw, err := gateway.New(users, roles, hasher, sessions, tokens, engine, gwOpts...)
	if err != nil {
		log.Fatalf("gateway: %v", err)
	}

	api := httpapi.New(gw, users, roles, httpapi.ReadyProbe{DB: db}, version)

	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	sweepCtx, stopSweep := context.WithCancel(context.Background())
	go sessions.Run(sweepCtx)

	log.Printf("Starting sentra-auth %s on %s", version, srv.Addr)
	obs.SetReady(true)

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop
	log.Println("Shutting down...")
	obs.SetReady(false)
	stopSweep()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(ctx)
	if db != nil {
		_ = db.Close()
	}
	log.Println("Stopped")
}

// Command dschedd runs the distributed scheduler's continuation and
// collaboration engines as a mesh daemon. Platform bindings (bundle,
// account, ability managers) are deployment-specific; this daemon ships
// with static bindings sufficient for sink-side operation and integration
// testing.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/redis/go-redis/v9"

	"github.com/meshkit/dsched/collab"
	"github.com/meshkit/dsched/continuation"
	"github.com/meshkit/dsched/internal/accountauth"
	"github.com/meshkit/dsched/internal/logctx"
	"github.com/meshkit/dsched/transport"
	"github.com/meshkit/dsched/transport/memorytransport"
	"github.com/meshkit/dsched/transport/redistransport"
	"github.com/meshkit/dsched/trust"
)

type config struct {
	DeviceID       string        `env:"DSCHED_DEVICE_ID,required"`
	Transport      string        `env:"DSCHED_TRANSPORT,default=redis"`
	RedisAddr      string        `env:"DSCHED_REDIS_ADDR,default=localhost:6379"`
	RedisKeyPrefix string        `env:"DSCHED_REDIS_KEY_PREFIX,default=dsched:transport:"`
	TrustFile      string        `env:"DSCHED_TRUST_FILE"`
	AccountIssuer  string        `env:"DSCHED_ACCOUNT_ISSUER"`
	AccountKey     string        `env:"DSCHED_ACCOUNT_KEY"`
	AppID          string        `env:"DSCHED_APP_ID,default=dschedd"`
	SessionTimeout time.Duration `env:"DSCHED_SESSION_TIMEOUT,default=10s"`
	MaxSessions    int           `env:"DSCHED_MAX_SESSIONS,default=10"`
	Debug          bool          `env:"DSCHED_DEBUG,default=false"`
}

func main() {
	if err := run(); err != nil {
		slog.Error("dschedd.fatal", slog.String("err", err.Error()))
		os.Exit(1)
	}
}

func run() error {
	var cfg config
	if err := envdecode.StrictDecode(&cfg); err != nil {
		return fmt.Errorf("decode config: %w", err)
	}

	level := slog.LevelInfo
	if cfg.Debug {
		level = slog.LevelDebug
	}
	log := slog.New(logctx.Handler{
		Handler: slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}),
	})
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var allow *trust.Allowlist
	if cfg.TrustFile != "" {
		var err error
		allow, err = trust.Open(cfg.TrustFile, log)
		if err != nil {
			return fmt.Errorf("open trust allowlist: %w", err)
		}
		defer allow.Close()
	}

	var signer *accountauth.Signer
	var verifier *accountauth.Verifier
	if cfg.AccountIssuer != "" && cfg.AccountKey != "" {
		var err error
		signer, err = accountauth.NewSigner(cfg.AccountIssuer, []byte(cfg.AccountKey))
		if err != nil {
			return fmt.Errorf("account signer: %w", err)
		}
		verifier, err = accountauth.NewVerifier(accountauth.VerifierConfig{Issuer: cfg.AccountIssuer}, []byte(cfg.AccountKey))
		if err != nil {
			return fmt.Errorf("account verifier: %w", err)
		}
	}

	// The two engines never share a transport link, so each gets its own
	// adapter (and, on Redis, its own stream namespace).
	continueAdapter, collabAdapter, err := buildTransports(ctx, cfg, log)
	if err != nil {
		return err
	}

	bundle := &staticBundle{appID: cfg.AppID}
	account := &localAccount{signer: signer}
	ability := &loggingAbility{log: log}

	cm, err := continuation.NewManager(continuation.Config{
		LocalDeviceID:  cfg.DeviceID,
		Adapter:        continueAdapter,
		Bundle:         bundle,
		Account:        account,
		Ability:        ability,
		Verifier:       verifier,
		Trust:          allow,
		SessionTimeout: cfg.SessionTimeout,
		MaxSessions:    cfg.MaxSessions,
		Logger:         log,
	})
	if err != nil {
		return fmt.Errorf("continuation manager: %w", err)
	}
	if err := cm.Init(); err != nil {
		return fmt.Errorf("continuation manager init: %w", err)
	}
	defer cm.UnInit()

	col, err := collab.NewManager(collab.Config{
		LocalDeviceID:  cfg.DeviceID,
		Adapter:        collabAdapter,
		Bundle:         bundle,
		Account:        account,
		Ability:        ability,
		Verifier:       verifier,
		Trust:          allow,
		SessionTimeout: cfg.SessionTimeout,
		MaxSessions:    cfg.MaxSessions,
		Logger:         log,
	})
	if err != nil {
		return fmt.Errorf("collab manager: %w", err)
	}
	if err := col.Init(); err != nil {
		return fmt.Errorf("collab manager init: %w", err)
	}
	defer col.UnInit()

	log.Info("dschedd.ready",
		slog.String("device", cfg.DeviceID),
		slog.String("transport", cfg.Transport))
	<-ctx.Done()
	log.Info("dschedd.shutdown")
	return nil
}

func buildTransports(ctx context.Context, cfg config, log *slog.Logger) (transport.Adapter, transport.Adapter, error) {
	switch cfg.Transport {
	case "redis":
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		cont, err := redistransport.New(redistransport.Config{
			Client:    client,
			KeyPrefix: cfg.RedisKeyPrefix + "continue:",
			DeviceID:  cfg.DeviceID,
			Logger:    log,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("continue transport: %w", err)
		}
		coll, err := redistransport.New(redistransport.Config{
			Client:    client,
			KeyPrefix: cfg.RedisKeyPrefix + "collab:",
			DeviceID:  cfg.DeviceID,
			Logger:    log,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("collab transport: %w", err)
		}
		go runTransport(ctx, log, "continue", cont)
		go runTransport(ctx, log, "collab", coll)
		return cont, coll, nil

	case "memory":
		// Loopback-only mode for local testing: each engine gets its own
		// single-device mesh.
		return memorytransport.NewNetwork().Endpoint(cfg.DeviceID),
			memorytransport.NewNetwork().Endpoint(cfg.DeviceID), nil

	default:
		return nil, nil, fmt.Errorf("unknown transport %q", cfg.Transport)
	}
}

func runTransport(ctx context.Context, log *slog.Logger, name string, a *redistransport.Adapter) {
	if err := a.Run(ctx); err != nil && ctx.Err() == nil {
		log.Error("dschedd.transport.exit",
			slog.String("transport", name), slog.String("err", err.Error()))
	}
}

package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"releasegate/internal/audit"
	"releasegate/internal/authsig"
	"releasegate/internal/config"
	"releasegate/internal/credential"
	"releasegate/internal/escrow"
	"releasegate/internal/idempotency"
	"releasegate/internal/logger"
	"releasegate/internal/release"
	"releasegate/internal/server"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic("config error: " + err.Error())
	}

	log := logger.New(cfg.Service.Debug)
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	replayStore, err := buildReplayStore(ctx, cfg)
	if err != nil {
		log.Fatal("idempotency store", zap.Error(err))
	}

	credStore, err := buildCredentialStore(ctx, cfg, log)
	if err != nil {
		log.Fatal("credential store", zap.Error(err))
	}

	chain, err := buildEscrowClient(ctx, cfg, log)
	if err != nil {
		log.Fatal("escrow client", zap.Error(err))
	}

	signer, err := authsig.New(authsig.Config{
		PrivateKeyHex:     cfg.Chain.AuthSignerKey,
		ChainID:           cfg.Deployment.ChainID,
		VerifyingContract: cfg.Deployment.Contracts.DeliveryEscrow,
		DomainName:        cfg.Auth.DomainName,
		DomainVersion:     cfg.Auth.DomainVersion,
		AuthTTL:           cfg.Auth.TTL,
	})
	if err != nil {
		log.Fatal("release signer", zap.Error(err))
	}
	if cfg.Chain.AuthSignerKey == "" {
		log.Warn("no auth signer key configured; delivery confirmations will fail")
	}

	trail := buildAuditRecorder(cfg, log)
	defer func() { _ = trail.Close() }()

	issuer := credential.NewIssuer(credStore, credential.IssuerConfig{
		OTPPepper:        cfg.Seed.Secrets.OTPPepper,
		QRPepper:         cfg.Seed.Secrets.QRPepper,
		TTL:              cfg.Credential.TTL,
		MaxAttempts:      cfg.Credential.MaxAttempts,
		RateLimitPerHour: cfg.Credential.RateLimitPerHour,
	})
	validator := credential.NewValidator(credStore, credential.ValidatorConfig{
		OTPPepper:    cfg.Seed.Secrets.OTPPepper,
		QRPepper:     cfg.Seed.Secrets.QRPepper,
		RadiusMeters: cfg.Geofence.RadiusMeters,
		MaxFixAge:    cfg.Geofence.MaxFixAge,
	})

	svc := release.NewService(issuer, validator, signer, chain, trail, log, release.Config{
		MaxFixAge: cfg.Geofence.MaxFixAge,
		GPSPepper: cfg.Seed.Secrets.GPSPepper,
		Retry: release.RetryPolicy{
			MaxAttempts:       cfg.Retry.MaxAttempts,
			InitialBackoff:    cfg.Retry.InitialBackoff,
			MaxBackoff:        cfg.Retry.MaxBackoff,
			BackoffMultiplier: cfg.Retry.BackoffMultiplier,
		},
	})

	apiServer := server.NewServer(cfg, svc, chain, replayStore, log)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := apiServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return apiServer.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Fatal("server stopped", zap.Error(err))
	}
	log.Info("shutdown complete")
}

func buildReplayStore(ctx context.Context, cfg *config.AppConfig) (idempotency.Store, error) {
	if cfg.Service.PostgresDSN != "" {
		return idempotency.NewPostgresStore(ctx, cfg.Service.PostgresDSN)
	}
	return idempotency.NewFileStore(cfg.Service.IdempotencyStorePath)
}

func buildCredentialStore(ctx context.Context, cfg *config.AppConfig, log *zap.Logger) (credential.Store, error) {
	if cfg.Service.PostgresDSN != "" {
		return credential.NewPostgresStore(ctx, cfg.Service.PostgresDSN)
	}
	log.Warn("no POSTGRES_DSN configured; credentials are held in memory")
	return credential.NewMemoryStore(), nil
}

func buildEscrowClient(ctx context.Context, cfg *config.AppConfig, log *zap.Logger) (escrow.Client, error) {
	if cfg.Chain.OpsPrivateKey == "" {
		log.Warn("no OPS_EOA_PRIVKEY configured; using in-memory escrow stub")
		return escrow.NewFakeClient(), nil
	}
	return escrow.NewEthClient(ctx, escrow.EthClientConfig{
		RPCURL:        cfg.Chain.RPCURL,
		PrivateKeyHex: cfg.Chain.OpsPrivateKey,
		ContractAddr:  cfg.Deployment.Contracts.DeliveryEscrow,
	})
}

func buildAuditRecorder(cfg *config.AppConfig, log *zap.Logger) audit.Recorder {
	if len(cfg.Audit.Brokers) > 0 {
		log.Info("audit events go to kafka",
			zap.Strings("brokers", cfg.Audit.Brokers),
			zap.String("topic", cfg.Audit.Topic))
		return audit.NewKafkaRecorder(cfg.Audit.Brokers, cfg.Audit.Topic)
	}
	return audit.NewLogRecorder(log)
}

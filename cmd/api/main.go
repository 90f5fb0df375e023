package main

import (
	"context"
	"errors"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"muwise.app/internal/account"
	"muwise.app/internal/agreement"
	"muwise.app/internal/auth"
	"muwise.app/internal/billing"
	"muwise.app/internal/config"
	"muwise.app/internal/continuation"
	"muwise.app/internal/httpapi"
	"muwise.app/internal/lifecycle"
	"muwise.app/internal/notify"
	"muwise.app/internal/objectstore"
	"muwise.app/internal/obs"
	"muwise.app/internal/pdf"
	"muwise.app/internal/signing"
	"muwise.app/internal/signtoken"
	"muwise.app/internal/store/pg"
	"muwise.app/internal/stream"
	"muwise.app/internal/usage"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

type backends struct {
	agreements    agreement.Store
	users         account.Store
	continuations continuation.Store
	objects       objectstore.Store
	files         *objectstore.Memory
	checks        []httpapi.Check
	closers       []func() error
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	obs.Init()
	obs.InitBuildInfo(version, commit)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := obs.InitTracing(ctx, "muwise-api", cfg.Environment)
	if err != nil {
		log.Fatalf("tracing: %v", err)
	}

	b, err := openBackends(ctx, cfg)
	if err != nil {
		log.Fatalf("backends: %v", err)
	}
	defer func() {
		for _, c := range b.closers {
			_ = c()
		}
	}()

	codec, err := signtoken.NewCodec(cfg.Signing.Secret, signtoken.WithIssuer(cfg.Signing.Issuer))
	if err != nil {
		log.Fatalf("signing tokens: %v", err)
	}
	sessions, err := auth.NewSessions(cfg.Session.Secret, auth.WithTTL(cfg.Session.TTL))
	if err != nil {
		log.Fatalf("sessions: %v", err)
	}

	var sender notify.Sender = notify.Log{}
	if cfg.Email.ResendAPIKey != "" {
		resend, err := notify.NewResend(cfg.Email.ResendAPIKey, cfg.Email.From)
		if err != nil {
			log.Fatalf("email: %v", err)
		}
		sender = resend
	}

	events := stream.New()
	registry := agreement.NewRegistry(b.agreements)
	svc, err := lifecycle.New(lifecycle.Deps{
		Agreements: b.agreements,
		Registry:   registry,
		Ledger:     usage.NewLedger(b.users, cfg.Limits()),
		Users:      b.users,
		Tokens:     codec,
		Sender:     sender,
		Renderer:   pdf.Fpdf{},
		Objects:    b.objects,
		Events:     events,
		BaseURL:    cfg.BaseURL,
	})
	if err != nil {
		log.Fatalf("lifecycle: %v", err)
	}
	orch := signing.New(codec, registry, signing.WithFinalizer(svc), signing.WithEvents(events))

	deps := httpapi.Deps{
		Lifecycle:     svc,
		Signing:       orch,
		Auth:          auth.NewService(b.users, sessions),
		Continuations: b.continuations,
		Stream:        events,
		Files:         b.files,
		Ready:         httpapi.ReadyProbe{Checks: b.checks},
		Version:       version,
	}
	if cfg.Stripe.WebhookSecret != "" {
		verifier, err := billing.NewVerifier(cfg.Stripe.WebhookSecret, billing.DefaultTolerance)
		if err != nil {
			log.Fatalf("billing: %v", err)
		}
		deps.Webhooks = verifier
		deps.Billing = billing.NewService(b.users, cfg.PricePlans())
	}

	api, err := httpapi.New(deps,
		httpapi.WithRateLimit(cfg.RateLimit.RPS, cfg.RateLimit.Burst),
		httpapi.WithMaxBodyBytes(cfg.MaxBodyBytes),
		httpapi.WithCORSOrigins(cfg.CORSOrigins),
		httpapi.WithExposedLinks(cfg.Signing.ExposeLinks),
	)
	if err != nil {
		log.Fatalf("http api: %v", err)
	}

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		// Event streams are long lived.
		WriteTimeout: 0,
		IdleTimeout:  60 * time.Second,
	}

	grpcSrv := httpapi.NewGRPCServer(deps.Ready)
	go grpcSrv.Watch(ctx, 10*time.Second)

	lis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		log.Fatalf("grpc listen: %v", err)
	}
	go func() {
		if err := grpcSrv.Serve(lis); err != nil {
			obs.Error("grpc_serve_failed", err, nil)
		}
	}()

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("listen: %v", err)
		}
	}()
	obs.Info("server_started", map[string]any{
		"version":   version,
		"http_addr": cfg.HTTPAddr,
		"grpc_addr": cfg.GRPCAddr,
		"env":       cfg.Environment,
	})

	<-ctx.Done()
	obs.Info("server_stopping", nil)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	grpcSrv.Shutdown()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		obs.Error("http_shutdown_failed", err, nil)
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		obs.Error("tracing_shutdown_failed", err, nil)
	}
	obs.Info("server_stopped", nil)
}

// openBackends picks postgres, redis and minio when configured and in-memory
// stores otherwise.
func openBackends(ctx context.Context, cfg *config.Config) (*backends, error) {
	b := &backends{}

	if cfg.Postgres.DSN != "" {
		store, err := pg.Open(cfg.Postgres.DSN, cfg.Postgres.MaxOpenConns)
		if err != nil {
			return nil, err
		}
		b.agreements = store.Agreements()
		b.users = store.Users()
		b.checks = append(b.checks, httpapi.Check{Name: "postgres", Fn: store.Ping})
		b.closers = append(b.closers, store.Close)
	} else {
		obs.Warn("memory_store_in_use", map[string]any{"reason": "MUWISE_PG_DSN not set"})
		b.agreements = agreement.NewMemory()
		b.users = account.NewMemory()
	}

	if cfg.Redis.URL != "" {
		rc, err := continuation.NewRedis(ctx, cfg.Redis.URL, cfg.Redis.ContinuationTTL)
		if err != nil {
			return nil, err
		}
		b.continuations = rc
		b.checks = append(b.checks, httpapi.Check{Name: "redis", Fn: rc.Ping})
		b.closers = append(b.closers, rc.Close)
	} else {
		b.continuations = continuation.NewMemory(cfg.Redis.ContinuationTTL)
	}

	if cfg.Minio.Endpoint != "" {
		mc, err := objectstore.NewMinio(objectstore.MinioConfig{
			Endpoint:      cfg.Minio.Endpoint,
			AccessKey:     cfg.Minio.AccessKey,
			SecretKey:     cfg.Minio.SecretKey,
			Bucket:        cfg.Minio.Bucket,
			UseSSL:        cfg.Minio.UseSSL,
			PublicBaseURL: cfg.Minio.PublicBaseURL,
		})
		if err != nil {
			return nil, err
		}
		if err := mc.EnsureBucket(ctx); err != nil {
			return nil, err
		}
		b.objects = mc
		b.checks = append(b.checks, httpapi.Check{Name: "minio", Fn: mc.Ping})
	} else {
		b.files = objectstore.NewMemory(strings.TrimRight(cfg.PublicAPIURL, "/") + "/v1/files")
		b.objects = b.files
	}
	return b, nil
}

package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"collections-voice/internal/audit"
	"collections-voice/internal/auth"
	"collections-voice/internal/calls"
	"collections-voice/internal/campaigns"
	"collections-voice/internal/config"
	"collections-voice/internal/conversation"
	"collections-voice/internal/dispatch"
	"collections-voice/internal/ingest"
	"collections-voice/internal/queue"
	"collections-voice/internal/rbac"
	"collections-voice/internal/relay"
	"collections-voice/internal/reporting"
	"collections-voice/internal/telephony"
	"collections-voice/pkg/logger"
	"collections-voice/pkg/utils"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/twilio/twilio-go/client"
)

func main() {
	// Root context that cancels on shutdown
	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", "err", err)
		os.Exit(1)
	}

	log := logger.New(cfg.App.Env)
	slog.SetDefault(log)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	authManager, err := auth.NewManager(cfg.Auth, auth.WithRoles(rbac.Roles()...))
	if err != nil {
		log.Error("auth init failed", "err", err)
		os.Exit(1)
	}

	db, err := utils.OpenPostgres(rootCtx, "pgx", cfg.PostgresDSN(), utils.PostgresPoolConfig{})
	if err != nil {
		log.Error("postgres init failed", "err", err)
		os.Exit(1)
	}
	defer db.Close()

	rdb, err := utils.OpenRedis(rootCtx, utils.RedisConfig{Addr: cfg.RedisAddr(), URL: cfg.Redis.URL})
	if err != nil {
		log.Error("redis init failed", "err", err)
		os.Exit(1)
	}
	defer rdb.Close()

	callRepo := calls.NewPostgresRepo(db)
	auditRepo := audit.NewPostgresRepo(db)
	if cfg.DB.AutoMigrate {
		if err := callRepo.EnsureSchema(rootCtx); err != nil {
			log.Error("calls schema failed", "err", err)
			os.Exit(1)
		}
		if err := auditRepo.EnsureSchema(rootCtx); err != nil {
			log.Error("audit schema failed", "err", err)
			os.Exit(1)
		}
	}
	callSvc := calls.NewService(callRepo)
	auditSvc := audit.NewService(auditRepo, log)

	// Each process gets its own instance id for relay ownership leases.
	host, _ := os.Hostname()
	instance := host + "-" + uuid.NewString()[:8]

	// Call pipeline: queue -> dispatcher -> provider.
	jobQueue := queue.NewRedisQueue(rdb, "calls", queue.Options{
		MinDelay:          cfg.Queue.MinDelay,
		MaxRetries:        cfg.Queue.MaxRetries,
		VisibilityTimeout: cfg.Queue.VisibilityTimeout,
	})
	dispatcher := &dispatch.Dispatcher{
		Calls:    callSvc,
		Provider: telephony.NewTwilioProvider(cfg.Twilio.AccountSID, cfg.Twilio.AuthToken),
		Audit:    auditSvc,
		Limiter:  &dispatch.RedisLimiter{RDB: rdb, Limit: cfg.Queue.MaxConcurrentPlacements},
		Config: dispatch.Config{
			FromNumber:        cfg.Twilio.FromNumber,
			StatusCallbackURL: cfg.PublicURL(pathStatusCallback),
			StreamURL:         cfg.PublicWSURL(pathMediaStream),
			TurnAnswerURL:     cfg.PublicURL(pathTurnStart),
			RingTimeout:       cfg.Twilio.RingTimeout,
		},
		Log: log,
	}
	worker := &queue.Worker{
		Consumer:     jobQueue,
		Handler:      dispatcher.Handle,
		OnExhausted:  dispatcher.OnExhausted,
		PollInterval: cfg.Queue.PollInterval,
		DeferDelay:   cfg.Queue.ThrottleDelay,
		Log:          log,
	}

	// Audio relay: carrier socket <-> bus <-> voice-AI socket.
	bus := relay.NewRedisBus(rdb, cfg.Relay.OutboundBuffer)
	bus.Log = log
	claimer := &relay.RedisClaimer{RDB: rdb, TTL: cfg.Relay.OwnershipTTL}
	renewEvery := cfg.Relay.OwnershipTTL / 3
	leg := &relay.TelephonyLeg{
		Bus:            bus,
		Registry:       relay.NewRegistry(claimer),
		Calls:          callSvc,
		Audit:          auditSvc,
		Carrier:        dispatcher.Provider,
		Instance:       instance,
		IdleTimeout:    cfg.Relay.IdleTimeout,
		OutboundBuffer: cfg.Relay.OutboundBuffer,
		RenewEvery:     renewEvery,
		Log:            log,
	}
	aiWorker := &relay.AIWorker{
		Bus:     bus,
		Claimer: claimer,
		Dialer: &relay.ConvAIDialer{
			URL:     cfg.VoiceAI.ConversationURL,
			AgentID: cfg.VoiceAI.AgentID,
			APIKey:  cfg.VoiceAI.APIKey,
		},
		Audit:       auditSvc,
		Instance:    instance,
		IdleTimeout: cfg.Relay.IdleTimeout,
		RenewEvery:  renewEvery,
		Log:         log,
	}

	// Turn mode.
	audioStore := conversation.NewRedisAudioStore(rdb, 0)
	controller := &conversation.Controller{
		Store: conversation.NewRedisStore(rdb, cfg.Turn.MaxMessages, cfg.Turn.TranscriptTTL),
		Completer: &conversation.ChatCompleter{
			URL:    cfg.VoiceAI.CompletionURL,
			Model:  cfg.VoiceAI.CompletionModel,
			APIKey: cfg.VoiceAI.CompletionKey,
		},
		Synthesizer: &conversation.SpeechSynthesizer{
			URL:     cfg.VoiceAI.TTSURL,
			VoiceID: cfg.VoiceAI.TTSVoiceID,
			APIKey:  cfg.VoiceAI.APIKey,
		},
		Audio:     audioStore,
		Calls:     callSvc,
		Audit:     auditSvc,
		Timeout:   cfg.Turn.Timeout,
		ActionURL: cfg.PublicURL(pathTurn),
		MediaURL:  func(id string) string { return cfg.PublicURL(pathMedia + id) },
		Log:       log,
	}

	var signatures telephony.SignatureValidator
	if cfg.Twilio.ValidateSignatures {
		v := client.NewRequestValidator(cfg.Twilio.AuthToken)
		signatures = &v
	}
	var queueVerifier queue.Verifier
	if cfg.Queue.SigningSecret != "" {
		queueVerifier = queue.NewHMACVerifier(cfg.Queue.SigningSecret)
	}

	// Gin router
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(logger.Middleware(log))

	registerRoutes(r, routeDeps{
		PublicBaseURL: cfg.App.PublicBaseURL,
		Signatures:    signatures,
		Auth:          authManager,
		AllowLogin:    !cfg.IsProduction(),
		Status:        ingest.StatusCallbackHandler{Ingestor: &ingest.Ingestor{Calls: callSvc, Log: log}},
		QueueWebhook:  queue.WebhookHandler{Verifier: queueVerifier, Handler: dispatcher.Handle},
		Stream:        &relay.StreamHandler{Leg: leg, Root: rootCtx},
		Turn:          &conversation.Handlers{Controller: controller, Audio: audioStore},
		Queue:         jobQueue,
		Calls:         callSvc,
		Reporting:     reporting.NewService(callSvc),
		Audit:         auditSvc,
	})

	// Background loops. Each stops when rootCtx is cancelled.
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		worker.Run(rootCtx)
	}()
	go func() {
		defer wg.Done()
		if err := aiWorker.Run(rootCtx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error("ai relay worker stopped", "err", err)
			stop()
		}
	}()

	if cfg.Scheduler.Enabled {
		scheduler := &campaigns.Scheduler{
			Catalog:  campaigns.NewFileCatalog(cfg.Scheduler.CampaignsFile),
			Queue:    jobQueue,
			Calls:    callSvc,
			MinDelay: cfg.Queue.MinDelay,
			Spacing:  cfg.Scheduler.CallSpacing,
			Log:      log,
		}
		if err := scheduler.Start(rootCtx, cfg.Scheduler.Cron); err != nil {
			log.Error("scheduler init failed", "err", err)
			os.Exit(1)
		}
	}

	srv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		// Media streams are long-lived websockets; the upgrade hijacks the
		// connection so WriteTimeout only bounds plain requests.
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info("api listening", "addr", srv.Addr, "env", cfg.App.Env, "instance", instance)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server failed", "err", err)
			stop()
		}
	}()

	<-rootCtx.Done()
	log.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("http shutdown failed", "err", err)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-shutdownCtx.Done():
		log.Warn("background workers did not stop in time")
	}

	_ = logger.ShutdownFlush(shutdownCtx, 2*time.Second)
}

package main

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	dbmigrations "power-desk/db/migrations"
	"power-desk/internal/audit"
	"power-desk/internal/auth"
	commandsapp "power-desk/internal/commands/application"
	commandshttp "power-desk/internal/commands/interfaces/http"
	"power-desk/internal/mqttadapter"
	"power-desk/internal/observability/metrics"
	telemetryapp "power-desk/internal/telemetry/application"
	telemetry "power-desk/internal/telemetry/domain"
	telemetrypostgres "power-desk/internal/telemetry/infrastructure/postgres"
	telemetryhttp "power-desk/internal/telemetry/interfaces/http"
	"power-desk/internal/telemetry/replay"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sourcegraph/conc"
)

const (
	shutdownTimeout = 10 * time.Second
	drainTimeout    = 10 * time.Second
)

func main() {
	logger := log.New(os.Stdout, "", log.LstdFlags)
	cfg, err := loadConfig()
	if err != nil {
		logger.Fatalf("config error: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.MigrateOnStart {
		if err := telemetrypostgres.Migrate(ctx, cfg.DatabaseURL, dbmigrations.FS, logger); err != nil {
			logger.Fatalf("db migrate error: %v", err)
		}
	}

	db, err := sql.Open("pgx", cfg.DatabaseURL)
	if err != nil {
		logger.Fatalf("db open error: %v", err)
	}
	defer db.Close()

	if err := db.PingContext(ctx); err != nil {
		logger.Fatalf("db ping error: %v", err)
	}

	metrics.Init(db, logger)

	seriesBuffer := replay.New[telemetry.SeriesItem](cfg.BufferSize)
	protectorBuffer := replay.New[telemetry.ProtectorItem](cfg.BufferSize)

	router, err := telemetryapp.NewRouter(telemetry.NewClassifier(cfg.ProtectorTopics...), seriesBuffer, protectorBuffer)
	if err != nil {
		logger.Fatalf("telemetry router init error: %v", err)
	}

	retryMode, _ := telemetryapp.ParseRetryMode(cfg.RetryMode)
	recorder, err := telemetryapp.NewRecorder(
		telemetrypostgres.NewTelemetryRepository(db),
		seriesBuffer,
		protectorBuffer,
		telemetryapp.WithRetryMode(retryMode),
		telemetryapp.WithMaxAttempts(cfg.MaxAttempts),
		telemetryapp.WithLogger(logger),
	)
	if err != nil {
		logger.Fatalf("telemetry recorder init error: %v", err)
	}

	bus, err := mqttadapter.New(mqttadapter.Options{
		BrokerURL: cfg.MQTTURL,
		ClientID:  cfg.MQTTClientID,
		Username:  cfg.MQTTUsername,
		Password:  cfg.MQTTPassword,
		Prefix:    cfg.MQTTPrefix,
	}, logger)
	if err != nil {
		logger.Fatalf("mqtt init error: %v", err)
	}
	unsubscribe := bus.Subscribe(func(msg mqttadapter.Message) {
		router.Route(msg.Topic, msg.Payload, msg.ReceivedAt)
	})
	if err := bus.Connect(ctx); err != nil {
		logger.Printf("mqtt connect pending, retrying in background: %v", err)
	}

	commandService, err := commandsapp.NewService(bus, logger)
	if err != nil {
		logger.Fatalf("command service init error: %v", err)
	}
	commandHandler, err := commandshttp.NewHandler(commandService, logger, commandshttp.WithAuditLogger(audit.NewRepository(db)))
	if err != nil {
		logger.Fatalf("command handler init error: %v", err)
	}

	streamHandler, err := telemetryhttp.NewStreamHandler(
		seriesBuffer,
		protectorBuffer,
		telemetryhttp.WithLivenessInterval(cfg.StreamLiveness),
		telemetryhttp.WithHeartbeatInterval(cfg.StreamHeartbeat),
		telemetryhttp.WithMaxPending(cfg.StreamMaxPending),
		telemetryhttp.WithShutdown(ctx),
		telemetryhttp.WithStreamLogger(logger),
	)
	if err != nil {
		logger.Fatalf("stream handler init error: %v", err)
	}
	deviceHandler, err := telemetryhttp.NewDeviceHandler(streamHandler, telemetrypostgres.NewTelemetryQuery(db), commandHandler, logger)
	if err != nil {
		logger.Fatalf("device handler init error: %v", err)
	}

	policy := auth.NewDefaultPolicy([]string{"/healthz", "/metrics"}, nil)
	authMiddleware := auth.NewMiddleware([]byte(cfg.JWTSecret), policy)
	if authMiddleware == nil {
		logger.Printf("auth disabled: AUTH_JWT_SECRET not set")
	}

	mux := http.NewServeMux()
	mux.Handle("/api/devices", deviceHandler)
	mux.Handle("/api/devices/", deviceHandler)
	mux.Handle("/api/config", telemetryhttp.NewConfigHandler(cfg.BufferSize))
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	server := &http.Server{Addr: cfg.HTTPAddr, Handler: loggingMiddleware(authMiddleware.Wrap(mux), logger)}

	recorderCtx, cancelRecorder := context.WithCancel(context.Background())
	defer cancelRecorder()

	var wg conc.WaitGroup
	wg.Go(func() {
		if err := recorder.Run(recorderCtx); err != nil {
			logger.Printf("telemetry recorder stopped: %v", err)
		}
	})
	wg.Go(func() {
		logger.Printf("http listening on %s", cfg.HTTPAddr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Printf("http server error: %v", err)
			stop()
		}
	})

	<-ctx.Done()
	logger.Printf("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Printf("http shutdown error: %v", err)
	}
	commandService.Wait()

	unsubscribe()
	bus.Close()

	seriesBuffer.Close()
	protectorBuffer.Close()
	drain := time.AfterFunc(drainTimeout, cancelRecorder)
	defer drain.Stop()

	wg.Wait()
	logger.Printf("shutdown complete")
}

func loggingMiddleware(next http.Handler, logger *log.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		resp := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(resp, r)
		logger.Printf("http %s %s %d %s", r.Method, r.URL.Path, resp.status, time.Since(start))
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

func (w *statusWriter) Flush() {
	if flusher, ok := w.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

package main

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"net/http"
	"os"
	"time"

	apihttp "cleanroute-cloud/internal/api/http"
	"cleanroute-cloud/internal/audit"
	"cleanroute-cloud/internal/auth"
	commandapp "cleanroute-cloud/internal/commands/application"
	commandrepo "cleanroute-cloud/internal/commands/infrastructure/postgres"
	deviceapp "cleanroute-cloud/internal/devices/application"
	devicerepo "cleanroute-cloud/internal/devices/infrastructure/postgres"
	"cleanroute-cloud/internal/ingest"
	"cleanroute-cloud/internal/notify"
	"cleanroute-cloud/internal/observability/metrics"
	shadowapp "cleanroute-cloud/internal/shadow/application"
	shadowrepo "cleanroute-cloud/internal/shadow/infrastructure/postgres"
	shadowinterfaces "cleanroute-cloud/internal/shadow/interfaces"
	"cleanroute-cloud/internal/sweep"
	telemetryrepo "cleanroute-cloud/internal/telemetry/infrastructure/postgres"
	"cleanroute-cloud/internal/transport"
	workflowapp "cleanroute-cloud/internal/workflows/application"
	workflowrepo "cleanroute-cloud/internal/workflows/infrastructure/postgres"
	"cleanroute-cloud/internal/zones"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	_ = godotenv.Load()
	cfg := loadConfig()
	logger := log.New(os.Stdout, "", log.LstdFlags)

	db, err := sql.Open("pgx", cfg.DatabaseURL)
	if err != nil {
		logger.Fatalf("db open error: %v", err)
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		logger.Fatalf("db ping error: %v", err)
	}

	metrics.Init(db, logger)
	auditRepo := audit.NewRepository(db)

	deviceRepo := devicerepo.NewDeviceRepository(db)
	heartbeatRepo := devicerepo.NewHeartbeatRepository(db)
	diagnosticRepo := devicerepo.NewDiagnosticRepository(db)
	commandRepo := commandrepo.NewCommandRepository(db)
	shadowRepo := shadowrepo.NewShadowRepository(db)
	telemetryRepo := telemetryrepo.NewTelemetryRepository(db)
	sessionRepo := workflowrepo.NewSessionRepository(db)
	firmwareRepo := workflowrepo.NewFirmwareRepository(db)

	bus, err := transport.NewConn(transport.ConnConfig{
		BrokerURL: cfg.MQTTBrokerURL,
		ClientID:  cfg.MQTTClientID,
		Username:  cfg.MQTTUsername,
		Password:  cfg.MQTTPassword,
		CACert:    cfg.MQTTCACert,
		OpTimeout: cfg.MQTTOpTimeout,
	}, logger)
	if err != nil {
		logger.Fatalf("mqtt connect error: %v", err)
	}
	defer bus.Close()

	registry, err := zones.LoadRegistry(cfg.ZonesConfig, deviceRepo, logger)
	if errors.Is(err, os.ErrNotExist) {
		logger.Printf("zones config missing at %s; zone commands will resolve empty", cfg.ZonesConfig)
		registry, err = zones.NewRegistry(nil, deviceRepo, logger)
	}
	if err != nil {
		logger.Fatalf("zones config error: %v", err)
	}

	dispatcher, err := commandapp.NewDispatcher(bus, commandRepo, deviceRepo, registry, auditRepo, logger)
	if err != nil {
		logger.Fatalf("dispatcher error: %v", err)
	}
	tracker, err := commandapp.NewTracker(commandRepo, bus, logger)
	if err != nil {
		logger.Fatalf("tracker error: %v", err)
	}

	deltaNotifier, err := shadowinterfaces.NewDeltaCommandNotifier(dispatcher)
	if err != nil {
		logger.Fatalf("shadow notifier error: %v", err)
	}
	shadowService, err := shadowapp.NewService(shadowRepo, deltaNotifier, logger)
	if err != nil {
		logger.Fatalf("shadow service error: %v", err)
	}

	liveness, err := deviceapp.NewLivenessService(deviceRepo, heartbeatRepo, logger)
	if err != nil {
		logger.Fatalf("liveness service error: %v", err)
	}
	var alerter *notify.Notifier
	if cfg.AlertWebhookURL != "" {
		channel, err := notify.NewWebhookChannel(cfg.AlertWebhookURL)
		if err != nil {
			logger.Fatalf("alert webhook error: %v", err)
		}
		tpl, err := notify.NewTemplate(cfg.AlertTemplate)
		if err != nil {
			logger.Fatalf("alert template error: %v", err)
		}
		alerter, err = notify.NewNotifier(channel, tpl, logger, notify.WithCooldown(cfg.AlertCooldown))
		if err != nil {
			logger.Fatalf("alert notifier error: %v", err)
		}
		liveness.SetOfflineAlerter(alerter)
	}

	firmwareService, err := workflowapp.NewFirmwareService(firmwareRepo, deviceRepo, dispatcher, registry, logger)
	if err != nil {
		logger.Fatalf("firmware service error: %v", err)
	}
	collectionService, err := workflowapp.NewCollectionService(sessionRepo, registry, telemetryRepo, dispatcher, logger)
	if err != nil {
		logger.Fatalf("collection service error: %v", err)
	}

	listener, err := ingest.NewListener(bus, liveness, tracker, shadowService, telemetryRepo, deviceRepo, diagnosticRepo, firmwareService, logger)
	if err != nil {
		logger.Fatalf("listener error: %v", err)
	}
	if alerter != nil {
		listener.SetFillAlerter(alerter)
	}
	if err := listener.Start(); err != nil {
		logger.Fatalf("listener subscribe error: %v", err)
	}

	scheduler, err := sweep.NewScheduler(tracker, liveness, cfg.SweepInterval, cfg.CommandRetryAfter, cfg.OfflineTimeout, logger)
	if err != nil {
		logger.Fatalf("sweep scheduler error: %v", err)
	}
	go scheduler.Start(context.Background())

	devicesHandler, err := apihttp.NewDevicesHandler(deviceRepo, commandRepo, dispatcher, auditRepo, logger)
	if err != nil {
		logger.Fatalf("devices handler error: %v", err)
	}
	commandsHandler, err := apihttp.NewCommandsHandler(dispatcher, commandRepo, logger)
	if err != nil {
		logger.Fatalf("commands handler error: %v", err)
	}
	zonesHandler, err := apihttp.NewZonesHandler(registry, dispatcher, auditRepo, logger)
	if err != nil {
		logger.Fatalf("zones handler error: %v", err)
	}
	sessionsHandler, err := apihttp.NewSessionsHandler(collectionService, auditRepo, logger)
	if err != nil {
		logger.Fatalf("sessions handler error: %v", err)
	}
	firmwareHandler, err := apihttp.NewFirmwareHandler(firmwareService, auditRepo, logger)
	if err != nil {
		logger.Fatalf("firmware handler error: %v", err)
	}
	shadowsHandler, err := apihttp.NewShadowsHandler(shadowService, auditRepo, logger)
	if err != nil {
		logger.Fatalf("shadows handler error: %v", err)
	}
	exportCSV, err := apihttp.NewExportSessionsHandler(collectionService, "csv")
	if err != nil {
		logger.Fatalf("export handler error: %v", err)
	}
	exportXLSX, err := apihttp.NewExportSessionsHandler(collectionService, "xlsx")
	if err != nil {
		logger.Fatalf("export handler error: %v", err)
	}
	sweepHandler, err := apihttp.NewSweepHandler(scheduler, auditRepo, logger)
	if err != nil {
		logger.Fatalf("sweep handler error: %v", err)
	}

	policy := auth.NewDefaultPolicy([]string{"/healthz", "/metrics"}, nil)
	authMiddleware := auth.NewMiddleware([]byte(cfg.JWTSecret), policy)

	mux := http.NewServeMux()
	mux.Handle("/api/v1/devices", devicesHandler)
	mux.Handle("/api/v1/devices/", devicesHandler)
	mux.Handle("/api/v1/commands", commandsHandler)
	mux.Handle("/api/v1/commands/", commandsHandler)
	mux.Handle("/api/v1/zones", zonesHandler)
	mux.Handle("/api/v1/zones/", zonesHandler)
	mux.Handle("/api/v1/sessions", sessionsHandler)
	mux.Handle("/api/v1/sessions/", sessionsHandler)
	mux.Handle("/api/v1/firmware/", firmwareHandler)
	mux.Handle("/api/v1/shadows/", shadowsHandler)
	mux.Handle("/api/v1/exports/sessions.csv", exportCSV)
	mux.Handle("/api/v1/exports/sessions.xlsx", exportXLSX)
	mux.Handle("/api/v1/fleet/health", apihttp.NewFleetHealthHandler(db))
	mux.Handle("/api/v1/fleet/sweep", sweepHandler)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	server := &http.Server{Addr: cfg.HTTPAddr, Handler: loggingMiddleware(authMiddleware.Wrap(mux), logger)}
	logger.Printf("http listening on %s", cfg.HTTPAddr)
	logger.Fatal(server.ListenAndServe())
}

type config struct {
	DatabaseURL       string
	HTTPAddr          string
	MQTTBrokerURL     string
	MQTTClientID      string
	MQTTUsername      string
	MQTTPassword      string
	MQTTCACert        string
	MQTTOpTimeout     time.Duration
	ZonesConfig       string
	JWTSecret         string
	SweepInterval     time.Duration
	CommandRetryAfter time.Duration
	OfflineTimeout    time.Duration
	AlertWebhookURL   string
	AlertTemplate     string
	AlertCooldown     time.Duration
}

func loadConfig() config {
	cfg := config{
		DatabaseURL:       getenvDefault("DATABASE_URL", getenvDefault("PG_DSN", "")),
		HTTPAddr:          getenvDefault("HTTP_ADDR", ":8080"),
		MQTTBrokerURL:     getenvDefault("MQTT_BROKER_URL", ""),
		MQTTClientID:      getenvDefault("MQTT_CLIENT_ID", "cleanroute-cloud"),
		MQTTUsername:      getenvDefault("MQTT_USERNAME", ""),
		MQTTPassword:      getenvDefault("MQTT_PASSWORD", ""),
		MQTTCACert:        getenvDefault("MQTT_CA_CERT", ""),
		MQTTOpTimeout:     getenvDuration("MQTT_OP_TIMEOUT", 5*time.Second),
		ZonesConfig:       getenvDefault("ZONES_CONFIG", "zones.yaml"),
		JWTSecret:         getenvDefault("AUTH_JWT_SECRET", getenvDefault("JWT_SECRET", "")),
		SweepInterval:     getenvDuration("SWEEP_INTERVAL", sweep.DefaultInterval),
		CommandRetryAfter: getenvDuration("COMMAND_RETRY_AFTER", sweep.DefaultRetryAfter),
		OfflineTimeout:    getenvDuration("OFFLINE_TIMEOUT", sweep.DefaultOfflineTimeout),
		AlertWebhookURL:   getenvDefault("ALERT_WEBHOOK_URL", ""),
		AlertTemplate:     getenvDefault("ALERT_TEMPLATE", ""),
		AlertCooldown:     getenvDuration("ALERT_COOLDOWN", notify.DefaultCooldown),
	}
	if cfg.DatabaseURL == "" {
		log.Fatal("DATABASE_URL or PG_DSN is required")
	}
	if cfg.MQTTBrokerURL == "" {
		log.Fatal("MQTT_BROKER_URL is required")
	}
	if cfg.JWTSecret == "" {
		log.Fatal("AUTH_JWT_SECRET is required")
	}
	return cfg
}

func getenvDefault(key, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value
}

func getenvDuration(key string, fallback time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return parsed
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

package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/aws/aws-sdk-go-v2/config"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	awslambda "github.com/aws/aws-sdk-go-v2/service/lambda"
	awsssm "github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"course-concierge/handler"
	"course-concierge/internal/delivery"
	"course-concierge/internal/integrations/lambdainvoke"
	"course-concierge/internal/integrations/openai"
	"course-concierge/internal/integrations/paramstore"
	"course-concierge/internal/integrations/twilio"
	"course-concierge/internal/observability"
	"course-concierge/internal/repository"
	"course-concierge/internal/repository/sqlstore"
	"course-concierge/internal/tools"
	"course-concierge/internal/usecase"
	"course-concierge/internal/webhook"
)

func main() {
	ctx := context.Background()

	// ---- Configuration (read only here) ----
	runMode := envString("RUN_MODE", "lambda")
	stateTable := mustEnv("STATE_TABLE")
	paramPrefix := mustEnv("PARAM_PREFIX")
	contextStore := envString("CONTEXT_STORE", "dynamodb")
	awaitMode := envString("AWAIT_MODE", "poll")
	pollInterval := envDuration("POLL_INTERVAL_MS", usecase.DefaultPollInterval)
	runBudget := envDuration("RUN_BUDGET_MS", usecase.DefaultRunBudget)
	publicBaseURL := os.Getenv("PUBLIC_BASE_URL")
	turnLock := envString("TURN_LOCK", defaultTurnLock(runMode))
	functionName := os.Getenv("AWS_LAMBDA_FUNCTION_NAME")

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel(os.Getenv("LOG_LEVEL"))}))
	slog.SetDefault(logger)

	// ---- AWS SDK config ----
	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		slog.Error("failed to load AWS config", "err", err)
		os.Exit(1)
	}

	// ---- Clients ----
	ssmClient, err := paramstore.New(awsssm.NewFromConfig(cfg))
	if err != nil {
		slog.Error("failed to create SSM client", "err", err)
		os.Exit(1)
	}
	stateClient, err := repository.New(awsdynamodb.NewFromConfig(cfg), stateTable)
	if err != nil {
		slog.Error("failed to create state client", "err", err)
		os.Exit(1)
	}

	var bindings interface {
		usecase.BindingStore
		handler.BindingRemover
	} = stateClient
	storeCheck := stateClient.Ping
	if contextStore == "postgres" {
		sqlStore, err := sqlstore.Open(ctx, mustEnv("DATABASE_URL"))
		if err != nil {
			slog.Error("failed to open context database", "err", err)
			os.Exit(1)
		}
		defer sqlStore.Close()
		if err := sqlStore.Migrate(ctx); err != nil {
			slog.Error("failed to migrate context database", "err", err)
			os.Exit(1)
		}
		bindings = sqlStore
		storeCheck = sqlStore.Ping
	}

	openaiClient, err := openai.NewClient(ssmClient, paramPrefix)
	if err != nil {
		slog.Error("failed to create OpenAI client", "err", err)
		os.Exit(1)
	}
	twilioClient, err := twilio.NewClient(ssmClient, paramPrefix)
	if err != nil {
		slog.Error("failed to create Twilio client", "err", err)
		os.Exit(1)
	}
	webhookSecret, err := paramstore.GetOptional(ctx, ssmClient, paramPrefix+"/webhook-secret")
	if err != nil {
		slog.Error("failed to read webhook secret", "err", err)
		os.Exit(1)
	}

	// ---- Metrics ----
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := observability.NewMetrics(registry)

	// ---- Core ----
	catalog, err := tools.DefaultCatalog()
	if err != nil {
		slog.Error("failed to load course catalog", "err", err)
		os.Exit(1)
	}
	router, err := tools.NewRouter(catalog, tools.WithLogger(logger), tools.WithObserver(metrics.ObserveTool))
	if err != nil {
		slog.Error("failed to create tool router", "err", err)
		os.Exit(1)
	}

	if envBool("SYNC_ASSISTANT_TOOLS") {
		if err := syncAssistantTools(ctx, openaiClient, router); err != nil {
			slog.Error("failed to sync assistant tools", "err", err)
			os.Exit(1)
		}
	}

	store, err := usecase.NewContextStore(bindings, logger)
	if err != nil {
		slog.Error("failed to create context store", "err", err)
		os.Exit(1)
	}

	gateway, err := delivery.NewGateway(twilioClient, stateClient,
		delivery.WithLogger(logger),
		delivery.WithBackupObserver(metrics.ObserveBackup),
	)
	if err != nil {
		slog.Error("failed to create delivery gateway", "err", err)
		os.Exit(1)
	}

	hub := webhook.NewHub()
	var awaiter usecase.Awaiter
	switch awaitMode {
	case "event":
		awaiter, err = usecase.NewEventAwaiter(openaiClient, hub, 0, logger)
	default:
		awaiter, err = usecase.NewPollingAwaiter(openaiClient, pollInterval, logger)
	}
	if err != nil {
		slog.Error("failed to create run awaiter", "mode", awaitMode, "err", err)
		os.Exit(1)
	}

	coordOpts := []usecase.Option{
		usecase.WithLogger(logger),
		usecase.WithBudget(runBudget),
		usecase.WithInboundClaimer(stateClient),
		usecase.WithTurnObserver(metrics.ObserveTurn),
	}
	if turnLock == "lease" {
		// The lease must outlive the longest turn: budget plus setup and delivery.
		leases, err := usecase.NewLeaseLocker(stateClient, runBudget+30*time.Second, logger)
		if err != nil {
			slog.Error("failed to create turn lease locker", "err", err)
			os.Exit(1)
		}
		coordOpts = append(coordOpts, usecase.WithLocker(leases))
	}
	coordinator, err := usecase.NewCoordinator(store, openaiClient, router, awaiter, gateway, coordOpts...)
	if err != nil {
		slog.Error("failed to create run coordinator", "err", err)
		os.Exit(1)
	}

	var scheduler webhook.Scheduler = webhook.InlineScheduler{Logger: logger}
	var background *webhook.BackgroundScheduler
	switch {
	case runMode == "http":
		background = webhook.NewBackgroundScheduler(0, logger)
		scheduler = background
	case functionName != "":
		scheduler, err = lambdainvoke.New(awslambda.NewFromConfig(cfg), functionName, logger)
		if err != nil {
			slog.Error("failed to create lambda job scheduler", "err", err)
			os.Exit(1)
		}
	}
	ingress, err := webhook.NewIngress(webhookSecret, openaiClient, coordinator, store, gateway, hub, scheduler,
		webhook.WithLogger(logger),
		webhook.WithReplyClaimer(stateClient),
		webhook.WithObserver(metrics.ObserveWebhookEvent),
	)
	if err != nil {
		slog.Error("failed to create webhook ingress", "err", err)
		os.Exit(1)
	}

	// ---- Handler ----
	opts := []handler.Option{
		handler.WithLogger(logger),
		handler.WithHealthChecks(storeCheck, openaiClient.Ping),
		handler.WithMetrics(metrics),
		handler.WithBindingAdmin(bindings, webhookSecret),
	}
	if publicBaseURL != "" {
		opts = append(opts, handler.WithTwilioSignature(twilioClient, publicBaseURL))
	}
	if runMode != "http" {
		opts = append(opts, handler.WithDrain(gateway.Wait), handler.WithJobRunner(ingress))
	}
	h, err := handler.NewHandler(coordinator, ingress, opts...)
	if err != nil {
		slog.Error("failed to create handler", "err", err)
		os.Exit(1)
	}

	if runMode != "http" {
		lambda.Start(h.Invoke)
		return
	}
	serveHTTP(envString("HTTP_ADDR", ":8080"), h, metrics.Gatherer(), func() {
		background.Wait()
		gateway.Wait()
	})
}

func serveHTTP(addr string, h http.Handler, gatherer prometheus.Gatherer, drain func()) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	mux.Handle("/", h)

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		slog.Info("listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("http server failed", "err", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("http server shutdown failed", "err", err)
	}
	drain()
}

// syncAssistantTools publishes the router's tool schemas to the assistant.
func syncAssistantTools(ctx context.Context, client *openai.Client, router *tools.Router) error {
	defs := router.Definitions()
	specs := make([]openai.FunctionSpec, 0, len(defs))
	names := make([]string, 0, len(defs))
	for _, d := range defs {
		specs = append(specs, openai.FunctionSpec{Name: d.Name, Description: d.Description, Parameters: d.Parameters})
		names = append(names, d.Name)
	}
	if err := client.SyncFunctions(ctx, specs); err != nil {
		return err
	}
	slog.Info("assistant tools synced", "tools", names)
	return nil
}

// defaultTurnLock picks a cross-instance lease on Lambda, where concurrent
// invocations never share memory.
func defaultTurnLock(runMode string) string {
	if runMode == "http" {
		return "local"
	}
	return "lease"
}

func mustEnv(key string) string {
	v := os.Getenv(key)
	if v == "" {
		slog.Error("required environment variable is not set", "key", key)
		os.Exit(1)
	}
	return v
}

func envString(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func envBool(key string) bool {
	b, err := strconv.ParseBool(strings.TrimSpace(os.Getenv(key)))
	return err == nil && b
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

// envDuration reads a millisecond count.
func envDuration(key string, def time.Duration) time.Duration {
	ms := envInt(key, 0)
	if ms <= 0 {
		return def
	}
	return time.Duration(ms) * time.Millisecond
}

func logLevel(s string) slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo
	}
	return level
}

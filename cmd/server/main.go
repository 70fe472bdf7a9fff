package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	mcp "github.com/MegaGrindStone/go-mcp"
	"github.com/coinwise-ai/coinwise/internal/auth"
	"github.com/coinwise-ai/coinwise/internal/dispatch"
	"github.com/coinwise-ai/coinwise/internal/handlers"
	"github.com/coinwise-ai/coinwise/internal/services"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gopkg.in/yaml.v3"
)

func main() {
	defaultCfgPath := ""
	if cfgDir, err := os.UserConfigDir(); err == nil {
		defaultCfgPath = filepath.Join(cfgDir, "coinwise", "config.yaml")
	}
	cfgPath := flag.String("config", defaultCfgPath, "path to the config file")
	flag.Parse()

	cfgFile, err := os.Open(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error opening config file: %v\n", err)
		os.Exit(1)
	}

	cfg := config{}
	if err := yaml.NewDecoder(cfgFile).Decode(&cfg); err != nil {
		cfgFile.Close()
		fmt.Fprintf(os.Stderr, "error decoding config file: %v\n", err)
		os.Exit(1)
	}
	cfgFile.Close()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel(cfg.LogLevel),
	}))
	slog.SetDefault(logger)

	if err := run(cfg, *cfgPath, logger); err != nil {
		logger.Error("Server exited", slog.String("err", err.Error()))
		os.Exit(1)
	}
}

func run(cfg config, cfgPath string, logger *slog.Logger) error {
	dbPath := cfg.DBPath
	if dbPath == "" {
		dbPath = filepath.Join(filepath.Dir(cfgPath), "coinwise.db")
	}
	boltDB, err := services.NewBoltDB(dbPath)
	if err != nil {
		return fmt.Errorf("error opening database: %w", err)
	}
	defer boltDB.Close()

	jwtSecret := cfg.JWTSecret
	if jwtSecret == "" {
		jwtSecret = os.Getenv("COINWISE_JWT_SECRET")
	}
	if jwtSecret == "" {
		return fmt.Errorf("jwtSecret is required")
	}
	verifier := auth.NewJWTVerifier([]byte(jwtSecret))

	mcpClientInfo := mcp.Info{
		Name:    "coinwise",
		Version: "0.1.0",
	}
	mcpClients, stdIOCmds := populateMCPClients(cfg, mcpClientInfo)

	var mcpCancels []context.CancelFunc
	for i, cli := range mcpClients {
		logger.Info("Connecting to MCP server", slog.Int("index", i))

		connectCtx, connectCancel := context.WithCancel(context.Background())
		mcpCancels = append(mcpCancels, connectCancel)

		ready := make(chan struct{})
		errs := make(chan error, 1)

		go func() {
			if err := cli.Connect(connectCtx, ready); err != nil {
				errs <- err
			}
		}()

		select {
		case err := <-errs:
			return fmt.Errorf("error connecting to MCP server %d: %w", i, err)
		case <-ready:
		}

		logger.Info("Connected to MCP server", slog.String("name", cli.ServerInfo().Name))
	}

	var caller dispatch.ToolCaller
	if len(mcpClients) > 0 {
		mcpCaller, err := services.NewMCPCaller(context.Background(), mcpClients, logger)
		if err != nil {
			return fmt.Errorf("error indexing MCP tools: %w", err)
		}
		caller = mcpCaller
	}
	dispatcher := dispatch.NewDispatcher(dispatch.DefaultRegistry(), caller, logger)

	advisor, err := cfg.Advisor.advisor(cfg.SystemPrompt, toolDefs(), logger)
	if err != nil {
		return fmt.Errorf("error building advisor: %w", err)
	}
	titleGen, err := cfg.Advisor.titleGen(logger)
	if err != nil {
		return fmt.Errorf("error building title generator: %w", err)
	}

	m, err := handlers.NewMain(handlers.Config{
		Advisor:          advisor,
		Opener:           cfg.Advisor.opener(logger),
		TitleGenerator:   titleGen,
		Store:            boltDB,
		Dispatcher:       dispatcher,
		MaxContentLength: cfg.MaxContentLength,
		Queue:            cfg.Queue.toQueue(),
		Logger:           logger,
	})
	if err != nil {
		return fmt.Errorf("error creating handlers: %w", err)
	}

	router := chi.NewRouter()

	allowedOrigins := cfg.AllowedOrigins
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"*"}
	}
	router.Use(cors.Handler(cors.Options{
		AllowedOrigins: allowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", "Authorization", "Last-Event-ID"},
	}))

	router.Get("/healthz", handleHealthz)
	router.Handle("/metrics", promhttp.Handler())

	router.Route("/api", func(r chi.Router) {
		r.Use(auth.Middleware(verifier))

		r.Get("/events", m.HandleSSE)

		r.Route("/conversations", func(r chi.Router) {
			r.Post("/", m.HandleCreateConversation)
			r.Get("/", m.HandleListConversations)

			r.Route("/{conversationID}", func(r chi.Router) {
				r.Post("/stream", m.HandleStream)
				r.Post("/messages", m.HandleSubmitMessage)
				r.Get("/messages", m.HandleListMessages)
				r.Get("/state", m.HandleConversationState)
				r.Post("/component-response", m.HandleComponentResponse)
				r.Post("/stop", m.HandleStop)
				r.Post("/clear-error", m.HandleClearError)
				r.Post("/reset", m.HandleReset)
				r.Get("/queue", m.HandleQueueStatus)
				r.Post("/queue/flush", m.HandleQueueFlush)
			})
		})
	})

	port := cfg.Port
	if port == "" {
		port = "8080"
	}
	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	srv.RegisterOnShutdown(func() {
		for _, cancel := range mcpCancels {
			cancel()
		}
		for _, stdIOCmd := range stdIOCmds {
			if err := stdIOCmd.Wait(); err != nil {
				logger.Warn("Failed to wait for stdIO command", slog.String("err", err.Error()))
			}
		}

		if err := m.Shutdown(context.Background()); err != nil {
			logger.Warn("Failed to shutdown sse server", slog.String("err", err.Error()))
		}
	})

	serverErrors := make(chan error, 1)

	go func() {
		logger.Info("Server starting", slog.String("port", port))
		serverErrors <- srv.ListenAndServe()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		return fmt.Errorf("server error: %w", err)

	case sig := <-shutdown:
		logger.Info("Start shutdown", slog.String("signal", sig.String()))

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			logger.Error("Graceful shutdown failed", slog.String("err", err.Error()))
			if err := srv.Close(); err != nil {
				return fmt.Errorf("forcing server close: %w", err)
			}
		}
	}

	return nil
}

func handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

func logLevel(raw string) slog.Level {
	switch raw {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// toolDefs describes the advisor-callable tools for providers that accept
// tool definitions in the request. The ids mirror the dispatch registry.
func toolDefs() []services.ToolDef {
	noArgs := json.RawMessage(`{"type":"object","properties":{}}`)
	return []services.ToolDef{
		{
			Name:        "show_component",
			Description: "Render an interactive component in the client. Pass the component name as componentId; extra string fields become the component context.",
			Parameters: json.RawMessage(`{
				"type": "object",
				"properties": {
					"componentId": {"type": "string", "description": "the component to render"}
				},
				"required": ["componentId"],
				"additionalProperties": {"type": "string"}
			}`),
		},
		{Name: "open_budget", Description: "Open the budget overview screen.", Parameters: noArgs},
		{Name: "open_goals", Description: "Open the savings goals overview screen.", Parameters: noArgs},
		{Name: "open_debts", Description: "Open the debt overview screen.", Parameters: noArgs},
		{Name: "fetch_budget_summary", Description: "Fetch the user's current budget summary.", Parameters: noArgs},
		{Name: "fetch_goal_progress", Description: "Fetch progress across the user's savings goals.", Parameters: noArgs},
		{Name: "fetch_debt_plan", Description: "Fetch the user's debt payoff plan.", Parameters: noArgs},
		{Name: "fetch_income_overview", Description: "Fetch the user's income sources.", Parameters: noArgs},
	}
}

func populateMCPClients(cfg config, mcpClientInfo mcp.Info) ([]*mcp.Client, []*exec.Cmd) {
	var mcpClients []*mcp.Client

	for _, sseServerConfig := range cfg.MCPSSEServers {
		sseClient := mcp.NewSSEClient(sseServerConfig.URL, nil)
		cli := mcp.NewClient(mcpClientInfo, sseClient)
		mcpClients = append(mcpClients, cli)
	}

	var stdIOCmds []*exec.Cmd
	for _, stdIOServerConfig := range cfg.MCPStdIOServers {
		cmd := exec.Command(stdIOServerConfig.Command, stdIOServerConfig.Args...)

		in, err := cmd.StdinPipe()
		if err != nil {
			panic(err)
		}
		out, err := cmd.StdoutPipe()
		if err != nil {
			panic(err)
		}
		if err := cmd.Start(); err != nil {
			panic(err)
		}
		stdIOCmds = append(stdIOCmds, cmd)

		cliStdIO := mcp.NewStdIO(out, in)

		cli := mcp.NewClient(mcpClientInfo, cliStdIO)
		mcpClients = append(mcpClients, cli)
	}

	return mcpClients, stdIOCmds
}

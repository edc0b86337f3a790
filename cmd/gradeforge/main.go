package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/gradeforge/gradeforge/internal/appconfig"
	"github.com/gradeforge/gradeforge/internal/config"
	"github.com/gradeforge/gradeforge/internal/gradeapi"
	"github.com/gradeforge/gradeforge/internal/logging"
	"github.com/gradeforge/gradeforge/internal/metrics"
	"github.com/gradeforge/gradeforge/internal/model"
	"github.com/gradeforge/gradeforge/internal/orchestrator"
	"github.com/gradeforge/gradeforge/internal/pipeline"
	"github.com/gradeforge/gradeforge/internal/rubric"
	"github.com/gradeforge/gradeforge/internal/submission"
	"github.com/gradeforge/gradeforge/internal/tracing"
)

// version is set at build time via -ldflags.
var version = "dev"

// Exit codes per the serve/grade CLI contract: 0 ok, 1 config error,
// 2 all servers down at startup, 3 unhandled fatal.
const (
	exitOK          = 0
	exitConfigError = 1
	exitServersDown = 2
	exitUnhandled   = 3
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(exitConfigError)
	}

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(os.Args[2:])
	case "grade":
		err = runGrade(os.Args[2:])
	case "-healthcheck":
		os.Exit(runHealthCheck())
	default:
		printUsage()
		os.Exit(exitConfigError)
	}

	if err == nil {
		os.Exit(exitOK)
	}

	switch {
	case isConfigError(err):
		log.Printf("config error: %v", err)
		os.Exit(exitConfigError)
	case isServersDownError(err):
		log.Printf("all servers down: %v", err)
		os.Exit(exitServersDown)
	default:
		log.Printf("fatal: %v", err)
		os.Exit(exitUnhandled)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, "gradeforge version %s\n\n", version)
	fmt.Fprintf(os.Stderr, "usage:\n")
	fmt.Fprintf(os.Stderr, "  gradeforge serve --config <orchestrator.json>\n")
	fmt.Fprintf(os.Stderr, "  gradeforge grade --submission <path> --rubric <path> [--solution <path>]\n")
}

type configError struct{ err error }

func (e *configError) Error() string { return e.err.Error() }
func (e *configError) Unwrap() error { return e.err }

type serversDownError struct{ err error }

func (e *serversDownError) Error() string { return e.err.Error() }
func (e *serversDownError) Unwrap() error { return e.err }

func isConfigError(err error) bool {
	var ce *configError
	return as(err, &ce)
}

func isServersDownError(err error) bool {
	var se *serversDownError
	return as(err, &se)
}

func as(err error, target any) bool {
	type unwrapper interface{ Unwrap() error }
	for err != nil {
		switch t := target.(type) {
		case **configError:
			if ce, ok := err.(*configError); ok {
				*t = ce
				return true
			}
		case **serversDownError:
			if se, ok := err.(*serversDownError); ok {
				*t = se
				return true
			}
		}
		u, ok := err.(unwrapper)
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// runHealthCheck supports a Docker HEALTHCHECK without a shell-out to curl.
func runHealthCheck() int {
	addr := os.Getenv("GRADEFORGE_LISTEN_ADDR")
	if addr == "" {
		addr = ":8080"
	}
	resp, err := http.Get("http://localhost" + addr + "/healthz")
	if err != nil {
		return 1
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return 1
	}
	return 0
}

func runServe(args []string) error {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	configPath := fs.String("config", "", "path to the orchestrator configuration document (overrides GRADEFORGE_ORCHESTRATOR_CONFIG)")
	if err := fs.Parse(args); err != nil {
		return &configError{err}
	}

	appCfg, err := appconfig.Load()
	if err != nil {
		return &configError{err}
	}
	if *configPath != "" {
		appCfg.OrchestratorConfigPath = *configPath
	}

	logger := logging.Setup(appCfg.LogLevel)
	log.SetFlags(0)
	logger.Info("gradeforge starting", slog.String("version", version))

	shutdownTracing, err := tracing.Setup(tracing.Config{
		Enabled:     appCfg.OTelEnabled,
		Endpoint:    appCfg.OTelEndpoint,
		ServiceName: appCfg.OTelServiceName,
	})
	if err != nil {
		return &configError{fmt.Errorf("tracing setup: %w", err)}
	}
	defer func() { _ = shutdownTracing(context.Background()) }()

	orchCfg, err := config.Load(appCfg.OrchestratorConfigPath)
	if err != nil {
		return &configError{err}
	}

	m := metrics.New()

	orch, err := orchestrator.New(orchCfg, m, logger)
	if err != nil {
		return &serversDownError{err}
	}
	defer orch.Close()

	p := pipeline.New(orch, m, orchCfg.CallBudgetsMs.Pipeline)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(logging.RequestLogger(logger))
	r.Use(tracing.Middleware())
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: appCfg.CORSOrigins,
		AllowedMethods: []string{"GET", "POST"},
		AllowedHeaders: []string{"Content-Type", "X-Request-ID"},
	}))

	gradeapi.MountRoutes(r, gradeapi.Dependencies{Pipeline: p, Metrics: m})

	httpServer := &http.Server{
		Addr:              appCfg.ListenAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
		WriteTimeout:      300 * time.Second, // long-running grading pipeline requests
	}

	serveErrCh := make(chan error, 1)
	go func() {
		logger.Info("gradeforge listening", slog.String("addr", appCfg.ListenAddr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serveErrCh <- err
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serveErrCh:
		return fmt.Errorf("listen error: %w", err)
	case <-stop:
		logger.Info("shutting down (draining in-flight requests)...")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Warn("http shutdown error", slog.String("error", err.Error()))
	}
	logger.Info("shutdown complete")
	return nil
}

func runGrade(args []string) error {
	fs := flag.NewFlagSet("grade", flag.ContinueOnError)
	submissionPath := fs.String("submission", "", "path to a parsed submission document")
	rubricPath := fs.String("rubric", "", "path to a rubric document")
	solutionPath := fs.String("solution", "", "path to the solution notebook's code cells (optional)")
	orchestratorConfigPath := fs.String("config", "", "path to the orchestrator configuration document (overrides GRADEFORGE_ORCHESTRATOR_CONFIG)")
	maxTokens := fs.Int("max-tokens", 512, "max tokens per generate() call")
	if err := fs.Parse(args); err != nil {
		return &configError{err}
	}
	if *submissionPath == "" || *rubricPath == "" {
		return &configError{fmt.Errorf("--submission and --rubric are required")}
	}

	appCfg, err := appconfig.Load()
	if err != nil {
		return &configError{err}
	}
	if *orchestratorConfigPath != "" {
		appCfg.OrchestratorConfigPath = *orchestratorConfigPath
	}
	logger := logging.Setup(appCfg.LogLevel)

	r, err := rubric.Load(*rubricPath)
	if err != nil {
		return &configError{err}
	}
	sub, err := submission.Load(*submissionPath)
	if err != nil {
		return &configError{err}
	}
	var solutionCells []model.CodeCell
	if *solutionPath != "" {
		solutionCells, err = submission.LoadSolutionCells(*solutionPath)
		if err != nil {
			return &configError{err}
		}
	}

	orchCfg, err := config.Load(appCfg.OrchestratorConfigPath)
	if err != nil {
		return &configError{err}
	}

	m := metrics.New()
	orch, err := orchestrator.New(orchCfg, m, logger)
	if err != nil {
		return &serversDownError{err}
	}
	defer orch.Close()

	p := pipeline.New(orch, m, orchCfg.CallBudgetsMs.Pipeline)

	result, err := p.Run(context.Background(), pipeline.Input{
		Rubric:        r,
		Submission:    sub,
		SolutionCells: solutionCells,
		MaxTokens:     *maxTokens,
	})
	if err != nil {
		return fmt.Errorf("grading pipeline: %w", err)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(result)
}

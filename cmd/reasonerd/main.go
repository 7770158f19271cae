// reasonerd answers a query by compiling it into a plan of markdown
// sections, executing the plan with QA-gated improvement loops, and
// composing the results into one document.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"reasonerd/internal/backend"
	"reasonerd/internal/config"
	"reasonerd/internal/logging"
	"reasonerd/internal/memory"
	"reasonerd/internal/orchestrator"
)

var (
	// Global flags
	verbose      bool
	configPath   string
	stateDir     string
	memPath      string
	apiKey       string
	model        string
	concurrent   int
	maxRounds    int
	useMock      bool
	noMission    bool
	printMission bool
	showStats    bool

	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "reasonerd [query]",
	Short: "reasonerd - plan-and-execute reasoning engine",
	Long: `reasonerd decomposes a query into a dependency graph of markdown
sections, executes the graph with hedged LLM calls under a global rate
limiter, improves each section through a QA and judge loop, and composes
the surviving sections into a single document.

Prior runs are remembered as k-lines: similar queries retrieve earlier
plans as hints, and a failed planning pipeline can replay a stored trace
outright.

Set GEMINI_API_KEY (or pass --api-key) to use the Gemini backend; with
no key the deterministic mock backend answers instead.`,
	Args: cobra.MinimumNArgs(1),
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		zcfg := zap.NewProductionConfig()
		if verbose {
			zcfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = zcfg.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
	RunE: runQuery,
}

func init() {
	// Ambient config from a .env file, if present. Flags still win.
	_ = godotenv.Load()

	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to YAML config file")
	rootCmd.PersistentFlags().StringVar(&stateDir, "state", defaultStateDir(), "state directory for logs, audit, and memory")
	rootCmd.Flags().StringVar(&memPath, "mem", "", "memory file path (default <state>/memory.json, \"off\" disables)")
	rootCmd.Flags().StringVar(&apiKey, "api-key", "", "Gemini API key (defaults to GEMINI_API_KEY)")
	rootCmd.Flags().StringVar(&model, "model", "", "Gemini model name")
	rootCmd.Flags().IntVar(&concurrent, "concurrent", 0, "override concurrent node tasks")
	rootCmd.Flags().IntVar(&maxRounds, "rounds", 0, "override improvement loop rounds")
	rootCmd.Flags().BoolVar(&useMock, "mock", false, "force the deterministic mock backend")
	rootCmd.Flags().BoolVar(&noMission, "no-mission", false, "skip mission planning, go straight to the query")
	rootCmd.Flags().BoolVar(&printMission, "print-mission", false, "print the mission JSON and exit")
	rootCmd.Flags().BoolVar(&showStats, "stats", false, "print run statistics to stderr after the document")
}

func defaultStateDir() string {
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".reasonerd")
	}
	return ".reasonerd"
}

func runQuery(cmd *cobra.Command, args []string) error {
	query := strings.TrimSpace(strings.Join(args, " "))
	if query == "" {
		return fmt.Errorf("query must not be empty")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if concurrent > 0 {
		cfg.Execution.Concurrent = concurrent
	}
	if maxRounds > 0 {
		cfg.Execution.MaxRounds = maxRounds
	}
	if noMission {
		cfg.Features.PlanFromMeta = false
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	if err := logging.Initialize(stateDir, verbose, cfg.Logging.Level); err != nil {
		return err
	}
	if err := logging.InitAudit(stateDir, cfg.Logging.AuditMaxChars); err != nil {
		logger.Warn("audit log unavailable", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Warn("interrupted, cancelling run")
		cancel()
		<-sigCh
		os.Exit(130)
	}()

	solver, plannerLLM, backendName, err := buildBackend(ctx)
	if err != nil {
		return err
	}
	logger.Info("backend selected", zap.String("backend", backendName))

	task := query
	if cfg.Features.PlanFromMeta {
		mission := planMission(ctx, plannerLLM, query)
		if printMission {
			fmt.Println(string(mission))
			return nil
		}
		task = backend.EmbedMission(mission, query)
	} else if printMission {
		return fmt.Errorf("--print-mission requires mission planning (drop --no-mission)")
	}

	store, err := openStore(cfg)
	if err != nil {
		return err
	}

	o := orchestrator.New(cfg, solver, plannerLLM, store)
	res, err := o.Run(ctx, task)
	if err != nil {
		if ctx.Err() != nil {
			os.Exit(130)
		}
		return err
	}

	fmt.Println(res.Document)
	if showStats {
		printStats(res)
	}
	return nil
}

// buildBackend picks Gemini when a key is available, otherwise the mock.
func buildBackend(ctx context.Context) (backend.Solver, backend.PlannerLLM, string, error) {
	key := apiKey
	if key == "" {
		key = os.Getenv("GEMINI_API_KEY")
	}
	if useMock || key == "" {
		mock := backend.NewMockSolver()
		return mock, backend.NewMockPlanner(), "mock", nil
	}
	g, err := backend.NewGenAIBackend(ctx, key, model, 90*time.Second)
	if err != nil {
		return nil, nil, "", fmt.Errorf("failed to build GenAI backend: %w", err)
	}
	return g, g, g.Name(), nil
}

// planMission asks the planner for a mission document, falling back to
// the deterministic heuristic mission on any failure.
func planMission(ctx context.Context, plannerLLM backend.PlannerLLM, query string) json.RawMessage {
	if plannerLLM == nil {
		return backend.HeuristicMission(query)
	}
	return backend.PlanMissionWith(ctx, plannerLLM, query)
}

func printStats(res *orchestrator.RunResult) {
	fmt.Fprintf(os.Stderr, "\nrun %s: %s, %d nodes, %d tokens, %d conflicts, %s",
		res.RunID, res.Classification, len(res.Plan.Nodes), res.TokensUsed, res.Conflicts,
		res.Duration.Round(time.Millisecond))
	if res.Replayed {
		fmt.Fprint(os.Stderr, " (replayed)")
	}
	fmt.Fprintln(os.Stderr)
}

func openStore(cfg *config.Config) (*memory.Store, error) {
	if memPath == "off" || !cfg.KLine.Enable {
		return nil, nil
	}
	path := memPath
	if path == "" {
		if err := os.MkdirAll(stateDir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create state directory: %w", err)
		}
		path = filepath.Join(stateDir, "memory.json")
	}
	store, err := memory.Open(path, cfg.KLine.EmbedDim, cfg.KLine.MaxEntries)
	if err != nil {
		return nil, fmt.Errorf("failed to open memory: %w", err)
	}
	return store, nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

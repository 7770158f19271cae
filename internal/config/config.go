// Package config holds the engine's runtime configuration: execution
// limits, token budgets, hedging, k-line memory, the global rate limiter,
// and feature flags. Defaults are overridden first by an optional YAML
// file, then by environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration. The homeostat and the stability
// check mutate Execution fields mid-run; other readers tolerate stale
// values.
type Config struct {
	Execution ExecutionConfig `yaml:"execution"`
	Budget    BudgetConfig    `yaml:"budget"`
	Hedge     HedgeConfig     `yaml:"hedge"`
	KLine     KLineConfig     `yaml:"kline"`
	Limiter   LimiterConfig   `yaml:"limiter"`
	Features  FeatureConfig   `yaml:"features"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ExecutionConfig bounds the scheduler and the improvement loop.
type ExecutionConfig struct {
	Concurrent   int           `yaml:"concurrent"`    // simultaneous node tasks
	MaxRounds    int           `yaml:"max_rounds"`    // improvement loop iterations
	MinScore     float64       `yaml:"min_score"`     // stability-check quality floor
	NodeTimeout  time.Duration `yaml:"node_timeout"`  // per solver call
	JudgeTimeout time.Duration `yaml:"judge_timeout"` // per judge critique
}

// BudgetConfig caps token spend.
type BudgetConfig struct {
	MaxTokensPerNode int `yaml:"max_tokens_per_node"`
	MaxTokensPerRun  int `yaml:"max_tokens_per_run"`
}

// HedgeConfig controls duplicate solver requests.
type HedgeConfig struct {
	Enable bool          `yaml:"enable"`
	Delay  time.Duration `yaml:"delay"`
}

// KLineConfig controls the memory subsystem.
type KLineConfig struct {
	Enable     bool    `yaml:"enable"`
	TopK       int     `yaml:"top_k"`
	MinSim     float64 `yaml:"min_sim"`
	HintTokens int     `yaml:"hint_tokens"` // budget for the neighbor hint block
	EmbedDim   int     `yaml:"embed_dim"`
	MaxEntries int     `yaml:"max_entries"`
}

// LimiterConfig controls the global solver rate limiter.
type LimiterConfig struct {
	MaxConcurrent int           `yaml:"max_concurrent"`
	QPS           int           `yaml:"qps"`
	BurstWindow   time.Duration `yaml:"burst_window"`
}

// FeatureConfig gates optional behaviors.
type FeatureConfig struct {
	EnableLLMJudge   bool `yaml:"enable_llm_judge"`
	ApplyNodeRecs    bool `yaml:"apply_node_recs"`
	ApplyGlobalRecs  bool `yaml:"apply_global_recs"`
	UseCQAP          bool `yaml:"use_cqap"`
	UseLLMCQAP       bool `yaml:"use_llm_cqap"`
	PlanFromMeta     bool `yaml:"plan_from_meta"`
	UseLLMClassifier bool `yaml:"use_llm_classifier"`
}

// LoggingConfig controls log verbosity and audit sizing.
type LoggingConfig struct {
	Level         string `yaml:"level"`
	AuditMaxChars int    `yaml:"audit_max_chars"`
}

// Default returns the baseline configuration.
func Default() *Config {
	return &Config{
		Execution: ExecutionConfig{
			Concurrent:   3,
			MaxRounds:    3,
			MinScore:     0.6,
			NodeTimeout:  90 * time.Second,
			JudgeTimeout: 20 * time.Second,
		},
		Budget: BudgetConfig{
			MaxTokensPerNode: 6000,
			MaxTokensPerRun:  60000,
		},
		Hedge: HedgeConfig{
			Enable: true,
			Delay:  2 * time.Second,
		},
		KLine: KLineConfig{
			Enable:     true,
			TopK:       5,
			MinSim:     0.3,
			HintTokens: 400,
			EmbedDim:   256,
			MaxEntries: 2000,
		},
		Limiter: LimiterConfig{
			MaxConcurrent: 4,
			QPS:           8,
			BurstWindow:   time.Second,
		},
		Features: FeatureConfig{
			UseCQAP:      true,
			PlanFromMeta: true,
		},
		Logging: LoggingConfig{
			Level:         "info",
			AuditMaxChars: 2000,
		},
	}
}

// Load reads a YAML config file over the defaults, then applies the
// environment.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}
	cfg.ApplyEnv()
	return cfg, nil
}

// ApplyEnv overrides fields from recognized environment variables. Unset
// or malformed values leave the current value untouched.
func (c *Config) ApplyEnv() {
	envStr("LOG_LEVEL", &c.Logging.Level)
	envInt("LOCAL_CONCURRENT", &c.Execution.Concurrent)
	envInt("MAX_ROUNDS", &c.Execution.MaxRounds)
	envFloat("MIN_SCORE", &c.Execution.MinScore)
	envInt("MAX_TOKENS_PER_NODE", &c.Budget.MaxTokensPerNode)
	envInt("MAX_TOKENS_PER_RUN", &c.Budget.MaxTokensPerRun)
	envSeconds("NODE_TIMEOUT_SEC", &c.Execution.NodeTimeout)
	envSeconds("JUDGE_TIMEOUT_SEC", &c.Execution.JudgeTimeout)

	envBool("ENABLE_LLM_JUDGE", &c.Features.EnableLLMJudge)
	envBool("APPLY_NODE_RECS", &c.Features.ApplyNodeRecs)
	envBool("APPLY_GLOBAL_RECS", &c.Features.ApplyGlobalRecs)
	envBool("HEDGE_ENABLE", &c.Hedge.Enable)
	envSeconds("HEDGE_DELAY_SEC", &c.Hedge.Delay)

	envBool("KLINE_ENABLE", &c.KLine.Enable)
	envInt("KLINE_TOP_K", &c.KLine.TopK)
	envFloat("KLINE_MIN_SIM", &c.KLine.MinSim)
	envInt("KLINE_HINT_TOKENS", &c.KLine.HintTokens)
	envInt("KLINE_EMBED_DIM", &c.KLine.EmbedDim)
	envInt("KLINE_MAX_ENTRIES", &c.KLine.MaxEntries)

	envInt("GLOBAL_MAX_CONCURRENT", &c.Limiter.MaxConcurrent)
	envInt("GLOBAL_QPS", &c.Limiter.QPS)
	envSeconds("GLOBAL_BURST_WINDOW", &c.Limiter.BurstWindow)
	envInt("AUDIT_MAX_CHARS", &c.Logging.AuditMaxChars)

	envBool("USE_CQAP", &c.Features.UseCQAP)
	envBool("USE_LLM_CQAP", &c.Features.UseLLMCQAP)
	envBool("PLAN_FROM_META", &c.Features.PlanFromMeta)
	envBool("USE_LLM_CLASSIFIER", &c.Features.UseLLMClassifier)
}

// Validate checks internal consistency.
func (c *Config) Validate() error {
	if c.Execution.Concurrent < 1 {
		return fmt.Errorf("execution.concurrent must be >= 1")
	}
	if c.Execution.MaxRounds < 1 {
		return fmt.Errorf("execution.max_rounds must be >= 1")
	}
	if c.Budget.MaxTokensPerRun < c.Budget.MaxTokensPerNode {
		return fmt.Errorf("budget.max_tokens_per_run below per-node budget")
	}
	if c.KLine.EmbedDim < 16 {
		return fmt.Errorf("kline.embed_dim too small")
	}
	return nil
}

func envStr(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			*dst = n
		}
	}
}

func envFloat(key string, dst *float64) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
			*dst = f
		}
	}
}

func envBool(key string, dst *bool) {
	if v := os.Getenv(key); v != "" {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "1", "true", "yes", "on":
			*dst = true
		case "0", "false", "no", "off":
			*dst = false
		}
	}
}

// envSeconds parses a float number of seconds into a duration.
func envSeconds(key string, dst *time.Duration) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil && f > 0 {
			*dst = time.Duration(f * float64(time.Second))
		}
	}
}

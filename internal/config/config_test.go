package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultValidates(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.KLine.EmbedDim != 256 {
		t.Errorf("embed_dim = %d, want 256", cfg.KLine.EmbedDim)
	}
	if cfg.KLine.MaxEntries != 2000 {
		t.Errorf("max_entries = %d, want 2000", cfg.KLine.MaxEntries)
	}
}

func TestApplyEnvOverrides(t *testing.T) {
	t.Setenv("LOCAL_CONCURRENT", "7")
	t.Setenv("MAX_ROUNDS", "5")
	t.Setenv("MIN_SCORE", "0.85")
	t.Setenv("NODE_TIMEOUT_SEC", "12.5")
	t.Setenv("HEDGE_ENABLE", "false")
	t.Setenv("ENABLE_LLM_JUDGE", "yes")
	t.Setenv("KLINE_TOP_K", "9")
	t.Setenv("GLOBAL_QPS", "not-a-number") // malformed, must be ignored

	cfg := Default()
	wantQPS := cfg.Limiter.QPS
	cfg.ApplyEnv()

	if cfg.Execution.Concurrent != 7 {
		t.Errorf("concurrent = %d", cfg.Execution.Concurrent)
	}
	if cfg.Execution.MaxRounds != 5 {
		t.Errorf("max_rounds = %d", cfg.Execution.MaxRounds)
	}
	if cfg.Execution.MinScore != 0.85 {
		t.Errorf("min_score = %v", cfg.Execution.MinScore)
	}
	if cfg.Execution.NodeTimeout != 12500*time.Millisecond {
		t.Errorf("node_timeout = %v", cfg.Execution.NodeTimeout)
	}
	if cfg.Hedge.Enable {
		t.Error("hedge should be disabled")
	}
	if !cfg.Features.EnableLLMJudge {
		t.Error("llm judge should be enabled")
	}
	if cfg.KLine.TopK != 9 {
		t.Errorf("top_k = %d", cfg.KLine.TopK)
	}
	if cfg.Limiter.QPS != wantQPS {
		t.Errorf("malformed GLOBAL_QPS changed value to %d", cfg.Limiter.QPS)
	}
}

func TestLoadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	yaml := `
execution:
  concurrent: 2
  max_rounds: 4
budget:
  max_tokens_per_run: 90000
features:
  use_cqap: false
`
	if err := os.WriteFile(path, []byte(yaml), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Execution.Concurrent != 2 || cfg.Execution.MaxRounds != 4 {
		t.Errorf("execution = %+v", cfg.Execution)
	}
	if cfg.Budget.MaxTokensPerRun != 90000 {
		t.Errorf("max_tokens_per_run = %d", cfg.Budget.MaxTokensPerRun)
	}
	if cfg.Features.UseCQAP {
		t.Error("use_cqap should be false from file")
	}
	// Untouched sections keep defaults.
	if cfg.KLine.TopK != 5 {
		t.Errorf("top_k = %d, want default 5", cfg.KLine.TopK)
	}
}

func TestValidateRejectsBadBudgets(t *testing.T) {
	cfg := Default()
	cfg.Budget.MaxTokensPerRun = 100
	cfg.Budget.MaxTokensPerNode = 500
	if err := cfg.Validate(); err == nil {
		t.Error("expected validation error for inverted budgets")
	}
}

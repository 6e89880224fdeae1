package engine

import (
	"testing"

	"github.com/spetr/mcp-recall/pkg/types"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		text string
		want types.Strategy
	}{
		// Code-like tokens go to keyword search
		{"handleAuthCallback", types.StrategyKeyword},
		{"parse_config", types.StrategyKeyword},
		{"internal/config/config.go", types.StrategyKeyword},
		{"Store.PutFact", types.StrategyKeyword},
		{"fix retry_backoff in uploader", types.StrategyKeyword},

		// Natural-language questions go to vector search
		{"why did we choose SQLite over Postgres?", types.StrategyVector},
		{"how is the session token refreshed", types.StrategyVector},
		{"what happens when the provider is down", types.StrategyVector},

		// Short distinctive phrases get keyword with vector fallback
		{"jwt rotation", types.StrategyKeywordBoost},
		{"payment retries", types.StrategyKeywordBoost},
		{"migrations", types.StrategyKeywordBoost},

		// Everything else is hybrid
		{"token refresh flow between gateway services", types.StrategyHybrid},
	}

	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			got := Classify(tt.text)
			if got.Strategy != tt.want {
				t.Errorf("Classify(%q).Strategy = %q, want %q", tt.text, got.Strategy, tt.want)
			}
			if got.Confidence < 0 || got.Confidence > 1 {
				t.Errorf("Classify(%q).Confidence = %g, want within [0,1]", tt.text, got.Confidence)
			}
		})
	}
}

func TestClassifyDeterministic(t *testing.T) {
	text := "why did the cache invalidation strategy change"
	first := Classify(text)
	for i := 0; i < 10; i++ {
		if got := Classify(text); got != first {
			t.Fatalf("Classify is not deterministic: %+v != %+v", got, first)
		}
	}
}

func TestClassifyEmpty(t *testing.T) {
	got := Classify("   ")
	if got.Confidence != 0 {
		t.Errorf("Confidence for empty text = %g, want 0", got.Confidence)
	}
}

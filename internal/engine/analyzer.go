// Package engine implements the dual-store coordinator, query
// analyzer, retrieval engine and migration controller on top of a
// FactStore and embedding providers.
package engine

import (
	"regexp"
	"strings"

	"github.com/spetr/mcp-recall/pkg/types"
)

// Classification is the analyzer verdict for one query text.
type Classification struct {
	Strategy   types.Strategy `json:"strategy"`
	Confidence float32        `json:"confidence"`
}

var (
	camelCaseRe  = regexp.MustCompile(`[a-z][A-Z]`)
	identCallRe  = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*\(`)
	dottedPathRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)+$`)
)

// stopwords are common English function words used to detect
// natural-language queries.
var stopwords = map[string]bool{
	"a": true, "an": true, "and": true, "are": true, "as": true, "at": true,
	"be": true, "by": true, "do": true, "does": true, "for": true, "from": true,
	"how": true, "i": true, "in": true, "is": true, "it": true, "of": true,
	"on": true, "or": true, "our": true, "should": true, "that": true,
	"the": true, "this": true, "to": true, "we": true, "what": true,
	"when": true, "where": true, "which": true, "why": true, "with": true,
	"you": true,
}

var interrogatives = map[string]bool{
	"how": true, "what": true, "why": true, "when": true, "where": true,
	"which": true, "who": true, "should": true, "can": true, "does": true,
	"do": true, "is": true, "are": true, "will": true,
}

// Classify picks a retrieval strategy for a query text. It is a pure
// function: identical input always yields the identical verdict.
func Classify(text string) Classification {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return Classification{Strategy: types.StrategyKeyword, Confidence: 0}
	}

	tokens := strings.Fields(trimmed)
	codeTokens := 0
	stopTokens := 0
	for _, tok := range tokens {
		if isCodeToken(tok) {
			codeTokens++
		}
		if stopwords[strings.ToLower(strings.Trim(tok, ".,!?"))] {
			stopTokens++
		}
	}

	question := strings.HasSuffix(trimmed, "?") || interrogatives[strings.ToLower(tokens[0])]
	stopRatio := float32(stopTokens) / float32(len(tokens))

	// Exact-lookup signals win: identifiers, paths, snake_case, camelCase
	if codeTokens > 0 && !question {
		confidence := float32(0.7)
		if codeTokens > 1 || len(tokens) == 1 {
			confidence = 0.9
		}
		return Classification{Strategy: types.StrategyKeyword, Confidence: confidence}
	}

	// Conversational phrasing reads best through embeddings
	if question || stopRatio >= 0.4 {
		confidence := float32(0.6)
		if question && stopRatio >= 0.25 {
			confidence = 0.85
		}
		return Classification{Strategy: types.StrategyVector, Confidence: confidence}
	}

	// Short distinctive phrases: keyword first, vector to fill gaps
	if len(tokens) <= 3 {
		return Classification{Strategy: types.StrategyKeywordBoost, Confidence: 0.65}
	}

	return Classification{Strategy: types.StrategyHybrid, Confidence: 0.5}
}

// isCodeToken reports whether a token looks like a code identifier,
// a file path or a qualified name.
func isCodeToken(tok string) bool {
	tok = strings.Trim(tok, ".,!?\"'")
	if tok == "" {
		return false
	}
	if strings.ContainsAny(tok, "/\\") {
		return true
	}
	if strings.Contains(tok, "_") {
		return true
	}
	if identCallRe.MatchString(tok) {
		return true
	}
	if dottedPathRe.MatchString(tok) {
		return true
	}
	if camelCaseRe.MatchString(tok) {
		return true
	}
	return false
}

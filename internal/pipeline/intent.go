package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"unicode"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/quarryhq/quarry/internal/embed"
	"github.com/quarryhq/quarry/internal/llm"
	"github.com/quarryhq/quarry/internal/store"
)

// DefaultExemplarThreshold is the minimum cosine similarity for an
// embedding-exemplar match to decide the label without an LLM call.
const DefaultExemplarThreshold = 0.85

// DefaultLLMConfidence is assigned to every LLM classification; the
// generative tier is less reliable than the earlier tiers.
const DefaultLLMConfidence = 0.70

// defaultIntentCacheSize bounds the classification LRU cache.
const defaultIntentCacheSize = 512

// exemplar phrases per label for the embedding tier. Conversation-dependent
// labels are included; the orchestrator downgrades them when the session
// has no prior turns.
var intentExemplars = []struct {
	Label   IntentLabel
	Phrases []string
}{
	{IntentGreeting, []string{
		"hi there", "hello", "hey, how are you", "good morning",
	}},
	{IntentGratitude, []string{
		"thank you so much", "thanks, that helped", "great, thanks",
	}},
	{IntentQuestion, []string{
		"what is the main idea of this document",
		"how does this process work",
		"when was this policy introduced",
		"why does the author reach this conclusion",
	}},
	{IntentCommand, []string{
		"delete my documents", "rebuild the index", "export everything to a file",
	}},
	{IntentFollowup, []string{
		"tell me more about that", "can you expand on that", "what else does it say",
	}},
	{IntentSimplify, []string{
		"explain that more simply", "can you say that in plain language",
	}},
	{IntentDeepen, []string{
		"go into more technical detail", "give me the full technical explanation",
	}},
	{IntentClarifyNeeded, []string{
		"what do you mean", "that does not make sense, which one",
	}},
	{IntentOffTopic, []string{
		"what's the weather like today", "tell me a joke",
	}},
}

// greetingKeywords and gratitudeKeywords decide trivially at tier 0.
var greetingKeywords = map[string]bool{
	"hi": true, "hello": true, "hey": true, "yo": true,
	"good morning": true, "good afternoon": true, "good evening": true,
}

var gratitudeKeywords = map[string]bool{
	"thanks": true, "thank you": true, "thx": true, "ty": true,
	"thanks a lot": true, "thank you very much": true,
}

const classifyPromptTemplate = `Classify the intent of this query into exactly one label.

Labels:
- question: asks about document content
- command: asks the system to perform an action
- greeting: a salutation
- gratitude: thanks
- garbage: nonsense or noise
- off_topic: unrelated to any document collection
- followup: asks to continue the previous answer
- simplify: asks to restate the previous answer more simply
- deepen: asks for more technical depth on the previous answer
- clarify_needed: the query is too ambiguous to act on

Query: %q

Respond with ONLY a JSON object: {"label": "<one label>"}`

// Classifier labels queries through a three-tier cascade: deterministic
// rules, embedding similarity against exemplars, then an LLM fallback.
// Cheaper tiers run first; each either decides or falls through.
type Classifier struct {
	embedder      embed.Embedder
	generator     llm.Generator
	threshold     float64
	llmConfidence float64
	stopWords     map[string]struct{}
	cache         *lru.Cache[string, Intent]

	exemplarMu   sync.Mutex
	exemplarVecs []exemplarVec
}

type exemplarVec struct {
	label IntentLabel
	vec   []float32
}

// ClassifierConfig tunes the cascade.
type ClassifierConfig struct {
	ExemplarThreshold float64
	LLMConfidence     float64
	CacheSize         int
}

// NewClassifier creates a classifier. embedder and generator may each be
// nil; their tiers are then skipped.
func NewClassifier(embedder embed.Embedder, generator llm.Generator, cfg ClassifierConfig) *Classifier {
	if cfg.ExemplarThreshold <= 0 {
		cfg.ExemplarThreshold = DefaultExemplarThreshold
	}
	if cfg.LLMConfidence <= 0 {
		cfg.LLMConfidence = DefaultLLMConfidence
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = defaultIntentCacheSize
	}
	cache, _ := lru.New[string, Intent](cfg.CacheSize)

	return &Classifier{
		embedder:      embedder,
		generator:     generator,
		threshold:     cfg.ExemplarThreshold,
		llmConfidence: cfg.LLMConfidence,
		stopWords:     store.BuildStopWordMap(store.DefaultStopWords),
		cache:         cache,
	}
}

// Classify resolves a query to an intent. Conversation-dependent labels
// are returned as-is; the orchestrator downgrades them when the session
// has no prior turns.
func (c *Classifier) Classify(ctx context.Context, query string) Intent {
	normalized := strings.ToLower(strings.TrimSpace(query))

	if cached, ok := c.cache.Get(normalized); ok {
		return cached
	}

	intent, decided := c.classifyRules(normalized)
	if !decided {
		intent, decided = c.classifyEmbedding(ctx, query)
	}
	if !decided {
		intent = c.classifyLLM(ctx, query)
	}

	c.cache.Add(normalized, intent)
	return intent
}

// classifyRules is tier 0: deterministic, no I/O.
func (c *Classifier) classifyRules(normalized string) (Intent, bool) {
	if len([]rune(normalized)) <= 1 {
		return Intent{Label: IntentGarbage, Confidence: 1.0, Tier: 0}, true
	}

	// At most one alphabetic rune means no word to interpret.
	alpha := 0
	for _, r := range normalized {
		if unicode.IsLetter(r) {
			alpha++
			if alpha > 1 {
				break
			}
		}
	}
	if alpha <= 1 {
		return Intent{Label: IntentGarbage, Confidence: 1.0, Tier: 0}, true
	}

	if dominatedBySingleRune(normalized) {
		return Intent{Label: IntentGarbage, Confidence: 1.0, Tier: 0}, true
	}

	stripped := strings.TrimRight(normalized, "!.?, ")
	if greetingKeywords[stripped] {
		return Intent{Label: IntentGreeting, Confidence: 1.0, Tier: 0}, true
	}
	if gratitudeKeywords[stripped] {
		return Intent{Label: IntentGratitude, Confidence: 1.0, Tier: 0}, true
	}

	// Short queries made almost entirely of stop words carry no signal.
	tokens := store.TokenizeText(normalized)
	if len(tokens) > 0 && len(tokens) <= 5 {
		stops := 0
		for _, t := range tokens {
			if _, isStop := c.stopWords[t]; isStop {
				stops++
			}
		}
		if float64(stops)/float64(len(tokens)) >= 0.9 {
			return Intent{Label: IntentGarbage, Confidence: 1.0, Tier: 0}, true
		}
	}

	return Intent{}, false
}

// dominatedBySingleRune reports whether one character makes up at least
// 70% of a query of four or more non-space characters.
func dominatedBySingleRune(s string) bool {
	counts := make(map[rune]int)
	total := 0
	for _, r := range s {
		if unicode.IsSpace(r) {
			continue
		}
		counts[r]++
		total++
	}
	if total < 4 {
		return false
	}
	for _, n := range counts {
		if float64(n)/float64(total) >= 0.7 {
			return true
		}
	}
	return false
}

// classifyEmbedding is tier 1: cosine similarity against exemplar phrases.
// Any embedding failure falls through rather than failing the query.
func (c *Classifier) classifyEmbedding(ctx context.Context, query string) (Intent, bool) {
	if c.embedder == nil {
		return Intent{}, false
	}

	if err := c.ensureExemplars(ctx); err != nil {
		slog.Debug("intent exemplar embedding unavailable", "error", err)
		return Intent{}, false
	}

	queryVec, err := c.embedder.Embed(ctx, query)
	if err != nil {
		slog.Debug("intent query embedding failed", "error", err)
		return Intent{}, false
	}

	bestScore := -1.0
	var bestLabel IntentLabel
	for _, ex := range c.exemplarVecs {
		if sim := embed.CosineSimilarity(queryVec, ex.vec); sim > bestScore {
			bestScore = sim
			bestLabel = ex.label
		}
	}

	if bestScore >= c.threshold {
		return Intent{Label: bestLabel, Confidence: bestScore, Tier: 1}, true
	}
	return Intent{}, false
}

// ensureExemplars embeds the exemplar table on first use. A failed attempt
// leaves the table empty so the next query retries.
func (c *Classifier) ensureExemplars(ctx context.Context) error {
	c.exemplarMu.Lock()
	defer c.exemplarMu.Unlock()

	if c.exemplarVecs != nil {
		return nil
	}

	var phrases []string
	var labels []IntentLabel
	for _, group := range intentExemplars {
		for _, phrase := range group.Phrases {
			phrases = append(phrases, phrase)
			labels = append(labels, group.Label)
		}
	}

	vecs, err := c.embedder.EmbedBatch(ctx, phrases)
	if err != nil {
		return fmt.Errorf("failed to embed intent exemplars: %w", err)
	}

	c.exemplarVecs = make([]exemplarVec, len(vecs))
	for i, vec := range vecs {
		c.exemplarVecs[i] = exemplarVec{label: labels[i], vec: vec}
	}
	return nil
}

// classifyLLM is tier 2: ask the generator to pick a label. Any failure
// degrades to question so the query still attempts retrieval.
func (c *Classifier) classifyLLM(ctx context.Context, query string) Intent {
	fallback := Intent{Label: IntentQuestion, Confidence: c.llmConfidence, Tier: 2}
	if c.generator == nil {
		return fallback
	}

	opts := llm.DefaultOptions()
	opts.JSONMode = true
	opts.MaxTokens = 32

	raw, err := c.generator.Generate(ctx, fmt.Sprintf(classifyPromptTemplate, query), opts)
	if err != nil {
		slog.Debug("llm intent classification failed", "error", err)
		return fallback
	}

	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start < 0 || end <= start {
		return fallback
	}

	var parsed struct {
		Label string `json:"label"`
	}
	if err := json.Unmarshal([]byte(raw[start:end+1]), &parsed); err != nil {
		return fallback
	}

	label := IntentLabel(strings.ToLower(strings.TrimSpace(parsed.Label)))
	if !allIntentLabels[label] {
		return fallback
	}
	return Intent{Label: label, Confidence: c.llmConfidence, Tier: 2}
}

package pipeline

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/quarryhq/quarry/internal/llm"
)

// scriptedGenerator routes prompts through a test-supplied function and
// records every prompt it sees.
type scriptedGenerator struct {
	mu          sync.Mutex
	respond     func(prompt string, opts llm.Options) (string, error)
	prompts     []string
	unavailable bool
}

var _ llm.Generator = (*scriptedGenerator)(nil)

func (g *scriptedGenerator) Generate(ctx context.Context, prompt string, opts llm.Options) (string, error) {
	g.mu.Lock()
	g.prompts = append(g.prompts, prompt)
	respond := g.respond
	g.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return "", err
	}
	if respond == nil {
		return "", errors.New("no scripted response")
	}
	return respond(prompt, opts)
}

func (g *scriptedGenerator) GenerateStream(ctx context.Context, prompt string, opts llm.Options, fn llm.TokenFunc) (string, error) {
	out, err := g.Generate(ctx, prompt, opts)
	if err != nil {
		return "", err
	}
	if fn != nil {
		for _, word := range strings.SplitAfter(out, " ") {
			if err := fn(word); err != nil {
				return "", err
			}
		}
	}
	return out, nil
}

func (g *scriptedGenerator) ModelName() string { return "scripted" }

func (g *scriptedGenerator) Available(ctx context.Context) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return !g.unavailable
}

func (g *scriptedGenerator) Close() error { return nil }

func (g *scriptedGenerator) callCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.prompts)
}

func (g *scriptedGenerator) promptsSeen() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]string, len(g.prompts))
	copy(out, g.prompts)
	return out
}

// promptsContaining counts recorded prompts holding the given marker.
func (g *scriptedGenerator) promptsContaining(marker string) int {
	count := 0
	for _, p := range g.promptsSeen() {
		if strings.Contains(p, marker) {
			count++
		}
	}
	return count
}

package research

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/umeshrajanna/deepship-api/internal/cache"
	"github.com/umeshrajanna/deepship-api/internal/config"
	"github.com/umeshrajanna/deepship-api/internal/llm"
)

const pageFetchTimeout = 20 * time.Second

// Runtime holds the process-wide research dependencies built from config.
type Runtime struct {
	LLM      llm.Provider
	Selector *Selector
	Pool     *FetchPool
}

func LLMConfig(cfg config.Config) llm.Config {
	return llm.Config{
		Provider:         cfg.LLMProvider,
		Model:            cfg.LLMModel,
		BaseURL:          cfg.LLMBaseURL,
		OpenAIAPIKey:     cfg.OpenAIAPIKey,
		OpenRouterAPIKey: cfg.OpenRouterAPIKey,
	}
}

// Build wires the provider, search client and shared fetch pool. Callers
// must Close the runtime on shutdown.
func Build(cfg config.Config, scrapeCache cache.ScrapeCache, log zerolog.Logger) (*Runtime, error) {
	provider, err := llm.NewProvider(LLMConfig(cfg))
	if err != nil {
		return nil, fmt.Errorf("llm provider: %w", err)
	}
	pool := NewFetchPool(cfg.ScrapeConcurrency, pageFetchTimeout)
	selector := NewSelector(Deps{
		LLM:        provider,
		Searcher:   NewSerpAPI(cfg.SearchAPIKey, cfg.SearchBaseURL),
		Scraper:    NewScraper(pool, scrapeCache, log),
		MaxQueries: cfg.ResearchQueries,
	})
	return &Runtime{LLM: provider, Selector: selector, Pool: pool}, nil
}

func (r *Runtime) Close() {
	if r == nil || r.Pool == nil {
		return
	}
	r.Pool.Close()
}

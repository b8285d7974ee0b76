package research

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/umeshrajanna/deepship-api/internal/events"
	"github.com/umeshrajanna/deepship-api/internal/jobs"
	"github.com/umeshrajanna/deepship-api/internal/llm"
)

const (
	querySystemPrompt = "You turn a user question into focused web search queries. " +
		"Reply with a JSON array of strings and nothing else."
	synthesisSystemPrompt = "You are DeepShip, a research assistant. Write a thorough, well structured " +
		"markdown answer using the numbered sources below. Cite sources inline as [n]."
	labSystemPrompt = "You are DeepShip Lab. Using the numbered sources below, explain the findings and " +
		"then build a single self-contained interactive HTML page (inline CSS and JavaScript) " +
		"that visualizes them. Put the page in one ```html fenced block."

	maxSnippetContext = 1500
)

var htmlFence = regexp.MustCompile("(?s)```html\\s*\\n(.*?)```")

// SearchPipeline runs deep search and, with lab set, lab mode.
type SearchPipeline struct {
	deps Deps
	lab  bool
}

func (p *SearchPipeline) Run(ctx context.Context, task jobs.Task, emit Emit) (events.Complete, error) {
	if err := emit(events.Reasoning{Text: "Analyzing your request..."}); err != nil {
		return events.Complete{}, err
	}

	queries := p.queries(ctx, task)
	if err := emit(events.Reasoning{Text: fmt.Sprintf("Generated %d search queries", len(queries))}); err != nil {
		return events.Complete{}, err
	}

	var results []SearchResult
	seen := map[string]struct{}{}
	var searchErr error
	for _, query := range queries {
		if err := emit(events.Progress{Type: events.KindSearchQuery, Fields: map[string]any{"text": query}}); err != nil {
			return events.Complete{}, err
		}
		found, err := p.deps.Searcher.Search(ctx, query)
		if err != nil {
			if ctx.Err() != nil {
				return events.Complete{}, ctx.Err()
			}
			searchErr = err
			continue
		}
		fresh := make([]SearchResult, 0, len(found))
		for _, result := range found {
			if _, dup := seen[result.URL]; dup {
				continue
			}
			seen[result.URL] = struct{}{}
			fresh = append(fresh, result)
		}
		if len(fresh) == 0 {
			continue
		}
		items, err := json.Marshal(fresh)
		if err != nil {
			return events.Complete{}, err
		}
		if err := emit(events.Reasoning{Text: fmt.Sprintf("Found %d sources", len(fresh)), Query: query, Category: "search", Sources: items}); err != nil {
			return events.Complete{}, err
		}
		if err := emit(events.Sources{Items: items}); err != nil {
			return events.Complete{}, err
		}
		results = append(results, fresh...)
	}
	if len(results) == 0 {
		if searchErr != nil {
			return events.Complete{}, searchErr
		}
		return events.Complete{}, ErrNoResults
	}

	pages := p.scrape(ctx, results)
	if len(pages) > 0 {
		if err := emit(events.Reasoning{Text: fmt.Sprintf("Read %d pages", len(pages)), Category: "scrape"}); err != nil {
			return events.Complete{}, err
		}
	}
	var tables []string
	seenTables := map[string]struct{}{}
	for _, page := range pages {
		for _, table := range page.Tables {
			if _, dup := seenTables[table]; dup {
				continue
			}
			seenTables[table] = struct{}{}
			tables = append(tables, table)
		}
	}
	if len(tables) > 0 {
		items, err := json.Marshal(tables)
		if err != nil {
			return events.Complete{}, err
		}
		if err := emit(events.Tables{Items: items}); err != nil {
			return events.Complete{}, err
		}
	}

	if err := emit(events.Reasoning{Text: "Writing the answer..."}); err != nil {
		return events.Complete{}, err
	}
	system := synthesisSystemPrompt
	if p.lab {
		system = labSystemPrompt
	}
	messages := BuildMessages(system, task, sourceContext(results, pages))
	full, err := p.deps.LLM.Stream(ctx, messages, func(delta string) error {
		return emit(events.Content{Text: delta})
	})
	if err != nil {
		return events.Complete{}, fmt.Errorf("synthesis stream: %w", err)
	}

	summary := fmt.Sprintf("Ran %d queries, collected %d sources, read %d pages and extracted %d tables.",
		len(queries), len(results), len(pages), len(tables))
	if err := emit(events.Progress{Type: events.KindResearchSummary, Fields: map[string]any{"content": summary}}); err != nil {
		return events.Complete{}, err
	}

	sources, err := json.Marshal(results)
	if err != nil {
		return events.Complete{}, err
	}
	complete := events.Complete{Content: full, Sources: sources}
	if p.lab {
		complete.LabMode = true
		complete.App, complete.Content = ExtractApp(full)
	}
	return complete, nil
}

// queries asks the model for search queries and falls back to the question.
func (p *SearchPipeline) queries(ctx context.Context, task jobs.Task) []string {
	prompt := fmt.Sprintf("Question: %s\n\nReturn at most %d search queries.", task.Content, p.deps.MaxQueries)
	reply, err := p.deps.LLM.Generate(ctx, []llm.Message{
		{Role: llm.RoleSystem, Content: querySystemPrompt},
		{Role: llm.RoleUser, Content: prompt},
	})
	var queries []string
	if err == nil {
		queries = ParseQueries(reply)
	}
	if len(queries) == 0 {
		queries = []string{task.Content}
	}
	if len(queries) > p.deps.MaxQueries {
		queries = queries[:p.deps.MaxQueries]
	}
	return queries
}

func (p *SearchPipeline) scrape(ctx context.Context, results []SearchResult) []Page {
	if p.deps.Scraper == nil {
		return nil
	}
	limit := min(len(results), p.deps.MaxScrape)
	urls := make([]string, 0, limit)
	for _, result := range results[:limit] {
		urls = append(urls, result.URL)
	}
	return p.deps.Scraper.ScrapeAll(ctx, urls)
}

// ParseQueries reads a JSON string array out of a model reply, tolerating
// surrounding prose or code fences.
func ParseQueries(reply string) []string {
	start := strings.Index(reply, "[")
	end := strings.LastIndex(reply, "]")
	if start < 0 || end <= start {
		return nil
	}
	var raw []string
	if err := json.Unmarshal([]byte(reply[start:end+1]), &raw); err != nil {
		return nil
	}
	queries := make([]string, 0, len(raw))
	for _, query := range raw {
		if query = strings.TrimSpace(query); query != "" {
			queries = append(queries, query)
		}
	}
	return queries
}

// ExtractApp splits the first ```html block out of a lab answer.
func ExtractApp(answer string) (app string, rest string) {
	loc := htmlFence.FindStringSubmatchIndex(answer)
	if loc == nil {
		return "", answer
	}
	app = strings.TrimSpace(answer[loc[2]:loc[3]])
	rest = strings.TrimSpace(answer[:loc[0]] + answer[loc[1]:])
	return app, rest
}

func sourceContext(results []SearchResult, pages []Page) string {
	byURL := make(map[string]Page, len(pages))
	for _, page := range pages {
		byURL[page.URL] = page
	}
	var b strings.Builder
	b.WriteString("Sources:\n")
	for i, result := range results {
		fmt.Fprintf(&b, "\n[%d] %s (%s)\n%s\n", i+1, result.Title, result.URL, result.Snippet)
		if page, ok := byURL[result.URL]; ok && page.Markdown != "" {
			b.WriteString(truncateRunes(page.Markdown, maxSnippetContext))
			b.WriteString("\n")
		}
	}
	return b.String()
}

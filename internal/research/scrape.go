package research

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	md "github.com/JohannesKaufmann/html-to-markdown"
	"github.com/PuerkitoBio/goquery"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/umeshrajanna/deepship-api/internal/cache"
)

const maxPageMarkdown = 6000

type Page struct {
	URL      string
	Title    string
	Markdown string
	Tables   []string
}

type Scraper struct {
	pool  *FetchPool
	cache cache.ScrapeCache
	log   zerolog.Logger
}

func NewScraper(pool *FetchPool, scrapeCache cache.ScrapeCache, log zerolog.Logger) *Scraper {
	if scrapeCache == nil {
		scrapeCache = cache.NoopScrape{}
	}
	return &Scraper{pool: pool, cache: scrapeCache, log: log.With().Str("component", "scraper").Logger()}
}

func (s *Scraper) Scrape(ctx context.Context, pageURL string) (Page, error) {
	html, ok, err := s.cache.Get(ctx, pageURL)
	if err != nil {
		s.log.Warn().Err(err).Str("url", pageURL).Msg("scrape cache read")
	}
	if !ok {
		html, err = s.pool.Fetch(ctx, pageURL)
		if err != nil {
			return Page{}, err
		}
		if err := s.cache.Set(ctx, pageURL, html); err != nil {
			s.log.Warn().Err(err).Str("url", pageURL).Msg("scrape cache write")
		}
	}
	return ParsePage(pageURL, html)
}

// ScrapeAll fetches pages concurrently; the pool bounds real concurrency.
// Pages that fail are skipped and the result keeps the input order.
func (s *Scraper) ScrapeAll(ctx context.Context, urls []string) []Page {
	pages := make([]*Page, len(urls))
	g, gctx := errgroup.WithContext(ctx)
	for i, pageURL := range urls {
		g.Go(func() error {
			page, err := s.Scrape(gctx, pageURL)
			if err != nil {
				s.log.Debug().Err(err).Str("url", pageURL).Msg("scrape skipped")
				return nil
			}
			pages[i] = &page
			return nil
		})
	}
	_ = g.Wait()

	out := make([]Page, 0, len(urls))
	for _, page := range pages {
		if page != nil {
			out = append(out, *page)
		}
	}
	return out
}

// ParsePage extracts readable markdown and every data table from html.
func ParsePage(pageURL string, html string) (Page, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return Page{}, fmt.Errorf("parse %s: %w", pageURL, err)
	}
	page := Page{
		URL:    pageURL,
		Title:  normalizeText(doc.Find("title").First().Text()),
		Tables: ExtractTables(doc),
	}

	doc.Find("script, style, noscript, nav, footer, header, aside, form, iframe, svg").Remove()
	body := doc.Find("article").First()
	if body.Length() == 0 {
		body = doc.Find("main").First()
	}
	if body.Length() == 0 {
		body = doc.Find("body")
	}
	content, err := body.Html()
	if err != nil {
		return page, nil
	}
	markdown, err := md.NewConverter(pageURL, true, nil).ConvertString(content)
	if err != nil {
		markdown = normalizeText(body.Text())
	}
	page.Markdown = truncateRunes(strings.TrimSpace(markdown), maxPageMarkdown)
	return page, nil
}

func truncateRunes(value string, limit int) string {
	if utf8.RuneCountInString(value) <= limit {
		return value
	}
	return string([]rune(value)[:limit])
}

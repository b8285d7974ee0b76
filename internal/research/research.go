// Package research holds the job pipelines the worker runs: plain chat, deep
// search and lab mode. Pipelines report progress through an Emit callback and
// return the final answer; they never talk to clients directly.
package research

import (
	"context"
	"errors"
	"net"

	"github.com/umeshrajanna/deepship-api/internal/events"
	"github.com/umeshrajanna/deepship-api/internal/jobs"
	"github.com/umeshrajanna/deepship-api/internal/llm"
)

// Emit publishes one non-terminal event for the running job.
type Emit func(payload events.Payload) error

type Pipeline interface {
	Run(ctx context.Context, task jobs.Task, emit Emit) (events.Complete, error)
}

type Selector struct {
	chat Pipeline
	deep Pipeline
	lab  Pipeline
}

type Deps struct {
	LLM        llm.Provider
	Searcher   Searcher
	Scraper    *Scraper
	MaxQueries int
	MaxScrape  int
}

func NewSelector(deps Deps) *Selector {
	if deps.MaxQueries <= 0 {
		deps.MaxQueries = 3
	}
	if deps.MaxScrape <= 0 {
		deps.MaxScrape = 5
	}
	return &Selector{
		chat: ChatPipeline{llm: deps.LLM},
		deep: &SearchPipeline{deps: deps},
		lab:  &SearchPipeline{deps: deps, lab: true},
	}
}

func (s *Selector) For(mode jobs.Mode) Pipeline {
	switch {
	case mode.LabMode:
		return s.lab
	case mode.DeepSearch:
		return s.deep
	default:
		return s.chat
	}
}

const (
	msgTimeout     = "The request took too long to complete. Please try again."
	msgLLM         = "The language model is currently unavailable. Please try again shortly."
	msgSearch      = "Web search is currently unavailable. Please try again shortly."
	msgUnavailable = "An unexpected error occurred"
)

var (
	ErrSearchUnavailable = errors.New("search unavailable")
	ErrNoResults         = errors.New("no search results")
)

// UserMessage maps a pipeline error to text that is safe to show a client.
func UserMessage(err error) string {
	var netErr net.Error
	var unsupported llm.ErrUnsupportedProvider
	switch {
	case err == nil:
		return ""
	case errors.Is(err, context.DeadlineExceeded):
		return msgTimeout
	case errors.Is(err, ErrSearchUnavailable):
		return msgSearch
	case errors.Is(err, llm.ErrMissingAPIKey), errors.Is(err, llm.ErrMissingModel),
		errors.Is(err, llm.ErrEmptyResponse), errors.As(err, &unsupported):
		return msgLLM
	case errors.As(err, &netErr) && netErr.Timeout():
		return msgTimeout
	default:
		return msgUnavailable
	}
}

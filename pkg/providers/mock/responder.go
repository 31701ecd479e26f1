package mock

import (
	"context"
	"sync"

	"github.com/chiku-ai/chiku-voice/pkg/adapters/responder"
)

type ResponderConfig struct {
	Reply string
	Err   error
}

// Responder answers every query with a fixed reply (or error) and records
// what it was asked.
type Responder struct {
	cfg ResponderConfig

	mu      sync.Mutex
	queries []string
}

func NewResponder(cfg ResponderConfig) *Responder {
	if cfg.Reply == "" && cfg.Err == nil {
		cfg.Reply = "mock reply"
	}
	return &Responder{cfg: cfg}
}

func (r *Responder) Name() string { return "mock_responder" }

func (r *Responder) Ask(ctx context.Context, text string) (string, error) {
	r.mu.Lock()
	r.queries = append(r.queries, text)
	r.mu.Unlock()
	if r.cfg.Err != nil {
		return "", r.cfg.Err
	}
	return r.cfg.Reply, nil
}

func (r *Responder) Queries() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.queries))
	copy(out, r.queries)
	return out
}

func (r *Responder) Close() error { return nil }

var _ responder.Client = (*Responder)(nil)

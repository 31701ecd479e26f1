package responder

import "context"

// Client defines the contract for the remote conversational responder:
// one request/response exchange per call. A non-success status or an
// empty reply is a failure.
type Client interface {
	// Name returns client name for logging.
	Name() string
	// Ask submits recognized text and returns the reply text.
	Ask(ctx context.Context, text string) (string, error)
	// Close releases any held connection. Safe to call twice.
	Close() error
}

package headless

import (
	"context"
	"errors"

	"github.com/skrapp/skrapp/internal/crawler"
)

// ErrUnavailable is returned by the Noop fetcher for every request.
var ErrUnavailable = errors.New("headless rendering unavailable")

// Noop stands in when no Chrome binary is present. Every fetch fails, and the
// engine handles that like any other fetch error: the URL is retried with
// backoff and then marked failed, instead of the process crashing at start.
type Noop struct{}

// NewNoop returns the stub fetcher.
func NewNoop() *Noop {
	return &Noop{}
}

// Fetch always fails with ErrUnavailable.
func (n *Noop) Fetch(_ context.Context, _ crawler.FetchRequest) (crawler.FetchResponse, error) {
	return crawler.FetchResponse{}, ErrUnavailable
}

// Close is a no-op.
func (n *Noop) Close() {}

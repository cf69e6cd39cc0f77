// Package storetest provides an in-memory artifact source for tests. Every
// Fetch counts as one network call.
package storetest

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/brandonbloom/pinenv/internal/failure"
	"github.com/brandonbloom/pinenv/internal/store"
)

// Fetcher serves artifacts for the pins it knows about. Unknown pins are a
// resolution miss; when Offline is set every call is a network failure.
type Fetcher struct {
	mu        sync.Mutex
	available map[string]bool
	calls     []string
	// Offline makes every fetch fail as if the index were unreachable.
	Offline bool
	// FailAfter, when positive, makes fetches beyond the first N fail with a
	// network error, simulating a connection dropped mid-populate.
	FailAfter int
}

// NewFetcher returns a fetcher that can serve the given pins.
func NewFetcher(pins ...string) *Fetcher {
	f := &Fetcher{available: map[string]bool{}}
	for _, p := range pins {
		f.available[p] = true
	}
	return f
}

// Fetch implements store.Fetcher.
func (f *Fetcher) Fetch(ctx context.Context, req store.FetchRequest) error {
	pin := req.Entry.String()
	f.mu.Lock()
	f.calls = append(f.calls, pin)
	n := len(f.calls)
	offline := f.Offline || (f.FailAfter > 0 && n > f.FailAfter)
	known := f.available[pin]
	f.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	if offline {
		return failure.New(failure.Network, pin, "index unreachable")
	}
	if !known {
		return failure.New(failure.Resolution, pin, "no matching artifact")
	}
	name := fmt.Sprintf("%s-%s-%s.whl", req.Entry.Key(), req.Entry.Version, req.Tag)
	return os.WriteFile(filepath.Join(req.Dest, name), []byte("wheel "+pin+"\n"), 0o644)
}

// Calls returns the number of fetches attempted so far.
func (f *Fetcher) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

// Requested returns the pins fetched, in call order.
func (f *Fetcher) Requested() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

// Reset clears the call log.
func (f *Fetcher) Reset() {
	f.mu.Lock()
	f.calls = nil
	f.mu.Unlock()
}

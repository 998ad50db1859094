// Copyright 2024-2026 Aiku AI

package engine

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

type requestResult struct {
	stanza Stanza
	err    error
}

type pendingRequest struct {
	ch    chan requestResult
	timer *time.Timer
}

// correlator matches asynchronous responses to in-flight requests by
// stanza ID. Every submitted request completes exactly once: with the
// matched response, with ErrTimeout when its deadline passes, or with the
// cancelAll error when the connection goes away.
type correlator struct {
	log zerolog.Logger

	mu       sync.Mutex
	pending  map[string]*pendingRequest
	closeErr error
}

func newCorrelator(log zerolog.Logger) *correlator {
	return &correlator{
		log:     log.With().Str("component", "correlator").Logger(),
		pending: make(map[string]*pendingRequest),
	}
}

// submit registers a pending request under the given stanza ID and arms
// its timeout. The returned channel receives exactly one result.
func (c *correlator) submit(id string, timeout time.Duration) <-chan requestResult {
	ch := make(chan requestResult, 1)
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closeErr != nil {
		ch <- requestResult{err: c.closeErr}
		return ch
	}
	req := &pendingRequest{ch: ch}
	req.timer = time.AfterFunc(timeout, func() {
		c.complete(id, requestResult{err: ErrTimeout})
	})
	c.pending[id] = req
	return ch
}

// await blocks until the request completes or the context is canceled.
// Cancellation abandons the request; a late response is then dropped like
// any other unmatched stanza.
func (c *correlator) await(ctx context.Context, id string, ch <-chan requestResult) (Stanza, error) {
	select {
	case res := <-ch:
		return res.stanza, res.err
	case <-ctx.Done():
		c.complete(id, requestResult{err: ctx.Err()})
		return nil, ctx.Err()
	}
}

// resolve completes the pending request matching the stanza's ID. Stanzas
// that match nothing are logged and dropped.
func (c *correlator) resolve(st Stanza) bool {
	id := st.StanzaID()
	if id == "" {
		return false
	}
	if !c.complete(id, requestResult{stanza: st}) {
		c.log.Debug().Str("stanza_id", id).Msg("Dropping response with no pending request")
		return false
	}
	return true
}

// cancelAll fails every pending request with the given error and makes
// later submits fail immediately with it, until the next reset.
func (c *correlator) cancelAll(err error) {
	c.mu.Lock()
	pending := c.pending
	c.pending = make(map[string]*pendingRequest)
	c.closeErr = err
	c.mu.Unlock()
	for _, req := range pending {
		req.timer.Stop()
		req.ch <- requestResult{err: err}
	}
}

// reset clears the closed state so new requests can be submitted again.
func (c *correlator) reset() {
	c.mu.Lock()
	c.closeErr = nil
	c.mu.Unlock()
}

func (c *correlator) complete(id string, res requestResult) bool {
	c.mu.Lock()
	req, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.mu.Unlock()
	if !ok {
		return false
	}
	req.timer.Stop()
	req.ch <- res
	return true
}

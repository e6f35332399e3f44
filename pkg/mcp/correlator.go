package mcp

import (
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

// ErrCallTimeout indicates no response arrived before the per-call bound.
var ErrCallTimeout = errors.New("tool call timed out")

// ErrConnectionLost indicates the stream died while the call was pending.
var ErrConnectionLost = errors.New("connection lost")

// requestSeq issues process-wide unique, strictly increasing request ids.
var requestSeq atomic.Int64

// NextRequestID returns the next request id.
func NextRequestID() int64 {
	return requestSeq.Add(1)
}

// Outcome is the terminal resolution of a pending request.
type Outcome struct {
	Result json.RawMessage
	Err    error
}

type pendingRequest struct {
	ch         chan Outcome
	onProgress ProgressFunc
	timer      *time.Timer
}

// Correlator tracks pending requests for one connection and routes inbound
// stream messages to them. Each id resolves exactly once; responses for
// unknown ids are discarded, which is the normal outcome of a response
// racing a local timeout.
type Correlator struct {
	mu      sync.Mutex
	pending map[int64]*pendingRequest
}

// NewCorrelator creates an empty correlator.
func NewCorrelator() *Correlator {
	return &Correlator{pending: make(map[int64]*pendingRequest)}
}

// Register allocates a request id and a channel that receives the terminal
// outcome. The entry fails with ErrCallTimeout once timeout elapses.
func (c *Correlator) Register(timeout time.Duration, onProgress ProgressFunc) (int64, <-chan Outcome) {
	id := NextRequestID()
	entry := &pendingRequest{
		ch:         make(chan Outcome, 1),
		onProgress: onProgress,
	}
	// Insert before arming the timer so a tiny timeout cannot fire against
	// an id that is not pending yet.
	c.mu.Lock()
	c.pending[id] = entry
	entry.timer = time.AfterFunc(timeout, func() {
		c.resolve(id, Outcome{Err: ErrCallTimeout})
	})
	c.mu.Unlock()

	return id, entry.ch
}

// Dispatch routes one inbound message. Progress notifications invoke the
// progress callback without consuming the entry; responses resolve it.
func (c *Correlator) Dispatch(msg Message) {
	id, ok := msg.CorrelationID()
	if !ok {
		log.Debug().Msg("Discarding stream message without request id")
		return
	}

	if msg.IsProgress() {
		c.mu.Lock()
		entry, known := c.pending[id]
		c.mu.Unlock()
		if !known {
			log.Debug().Int64("request_id", id).Msg("Discarding progress for unknown request")
			return
		}
		if entry.onProgress != nil {
			entry.onProgress(msg.Data)
		}
		return
	}

	outcome := Outcome{Result: msg.Result}
	if msg.Error != nil {
		outcome = Outcome{Err: msg.Error}
	}
	if !c.resolve(id, outcome) {
		log.Debug().Int64("request_id", id).Msg("Discarding response for unknown request")
	}
}

// Fail resolves one pending request with the given error.
func (c *Correlator) Fail(id int64, err error) {
	c.resolve(id, Outcome{Err: err})
}

// FailAll resolves every pending request with the given error. Called when
// the owning connection is torn down.
func (c *Correlator) FailAll(err error) {
	c.mu.Lock()
	entries := c.pending
	c.pending = make(map[int64]*pendingRequest)
	c.mu.Unlock()

	for id, entry := range entries {
		entry.timer.Stop()
		entry.ch <- Outcome{Err: err}
		log.Debug().Int64("request_id", id).Msg("Pending request failed with connection")
	}
}

// PendingCount returns the number of unresolved requests.
func (c *Correlator) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// resolve removes the entry and delivers the outcome. Returns false when
// the id is unknown, meaning the request already resolved.
func (c *Correlator) resolve(id int64, outcome Outcome) bool {
	c.mu.Lock()
	entry, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.mu.Unlock()

	if !ok {
		return false
	}

	entry.timer.Stop()
	entry.ch <- outcome
	return true
}

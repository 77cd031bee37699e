// Package command correlates commands sent over the Miniserver socket with
// the responses that arrive asynchronously on the read loop.
//
// Responses carry no request id, only the echoed command string. A pending
// command therefore registers under the literal command and, when it was
// encrypted, under its unescaped encrypted form. The Miniserver sometimes
// echoes jdev/... commands as dev/...; that single prefix rewrite is the only
// normalization applied when matching.
package command

import (
	"context"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/muurk/loxclient/internal/lxerr"
	"github.com/muurk/loxclient/internal/protocol"
)

// Pending is a command waiting for its response
type Pending struct {
	Original  string
	Encrypted string
	CreatedAt time.Time
	Timeout   time.Duration

	keys   []string
	timer  *time.Timer
	result chan result
}

type result struct {
	msg protocol.Message
	err error
}

// matches reports whether a response key belongs to this command
func (p *Pending) matches(key string) bool {
	normKey := normalize(key)
	for _, k := range p.keys {
		if k == key || normalize(k) == normKey {
			return true
		}
	}
	return false
}

// normalize rewrites a leading jdev to dev
func normalize(key string) string {
	if rest, ok := strings.CutPrefix(key, "jdev"); ok {
		return "dev" + rest
	}
	return key
}

// Correlator tracks pending commands. All mutation happens under one mutex,
// so a response, a timeout and a teardown can never resolve the same entry
// twice.
type Correlator struct {
	mu      sync.Mutex
	pending []*Pending
}

// NewCorrelator creates an empty correlator
func NewCorrelator() *Correlator {
	return &Correlator{}
}

// Send registers original (and encrypted, if non-empty) and then calls
// transmit. It blocks until a matching response arrives, the timeout
// expires, ctx is cancelled or the correlator is torn down with RejectAll.
func (c *Correlator) Send(ctx context.Context, original, encrypted string, timeout time.Duration, transmit func() error) (protocol.Message, error) {
	p := &Pending{
		Original:  original,
		Encrypted: encrypted,
		CreatedAt: time.Now(),
		Timeout:   timeout,
		keys:      []string{original},
		result:    make(chan result, 1),
	}
	if encrypted != "" {
		unescaped, err := url.QueryUnescape(encrypted)
		if err != nil {
			unescaped = encrypted
		}
		p.keys = append(p.keys, unescaped)
	}

	c.mu.Lock()
	c.pending = append(c.pending, p)
	if timeout > 0 {
		p.timer = time.AfterFunc(timeout, func() {
			c.finish(p, result{err: lxerr.CommandTimeout(original, timeout)})
		})
	}
	c.mu.Unlock()

	if err := transmit(); err != nil {
		c.remove(p)
		return nil, err
	}

	select {
	case r := <-p.result:
		return r.msg, r.err
	case <-ctx.Done():
		c.remove(p)
		// a result may have raced the cancellation
		select {
		case r := <-p.result:
			return r.msg, r.err
		default:
		}
		return nil, ctx.Err()
	}
}

// Resolve delivers msg to the first pending command matching key. It
// returns false when nothing matched; the caller treats msg as unsolicited.
func (c *Correlator) Resolve(key string, msg protocol.Message) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i, p := range c.pending {
		if p.matches(key) {
			c.removeAt(i)
			p.deliver(result{msg: msg})
			return true
		}
	}
	return false
}

// RejectAll fails every pending command with a ConnectionClosed error
func (c *Correlator) RejectAll(reason string) int {
	c.mu.Lock()
	pending := c.pending
	c.pending = nil
	c.mu.Unlock()

	for _, p := range pending {
		p.deliver(result{err: lxerr.ConnectionClosed(reason)})
	}
	return len(pending)
}

// Len returns the number of pending commands
func (c *Correlator) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// finish resolves p with r if it is still pending
func (c *Correlator) finish(p *Pending, r result) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, q := range c.pending {
		if q == p {
			c.removeAt(i)
			p.deliver(r)
			return
		}
	}
}

func (c *Correlator) remove(p *Pending) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, q := range c.pending {
		if q == p {
			c.removeAt(i)
			if p.timer != nil {
				p.timer.Stop()
			}
			return
		}
	}
}

// removeAt must be called with mu held
func (c *Correlator) removeAt(i int) {
	c.pending = append(c.pending[:i], c.pending[i+1:]...)
}

// deliver stops the timer and hands over the result. It is called once per
// entry, after the entry left the pending list.
func (p *Pending) deliver(r result) {
	if p.timer != nil {
		p.timer.Stop()
	}
	p.result <- r
}

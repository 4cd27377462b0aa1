// Package iopump implements the stdout/stderr byte pumps: accumulation,
// placeholder scrubbing, and fan-out to caller sinks. The scrub pass
// runs before any byte reaches a sink or the accumulated result, and a
// trailing window is withheld at each write so a placeholder split
// across writes still matches.
package iopump

import (
	"bytes"
	"strings"
	"sync"
)

// Sink receives scrubbed chunks as they arrive.
type Sink func(chunk string)

// Pump accumulates one stream (stdout or stderr), scrubbing against a
// placeholder table before fanning out to sinks and before the final
// accumulated string is read.
type Pump struct {
	mu          sync.Mutex
	scrub       map[string]string
	maxHold     int // longest placeholder length - 1, withheld at each Write
	pending     []byte
	accumulated bytes.Buffer
	sinks       []Sink
}

func New(scrubTable map[string]string, maxPlaceholderLen int, sinks ...Sink) *Pump {
	hold := maxPlaceholderLen - 1
	if hold < 0 {
		hold = 0
	}
	return &Pump{scrub: scrubTable, maxHold: hold, sinks: sinks}
}

// Write absorbs guest-emitted bytes. It scrubs the whole pending buffer
// and flushes everything except a trailing window that could still be
// the prefix of a placeholder, which is withheld until the next Write or
// Finish. Scrubbing runs over the full buffer before the split so a
// placeholder straddling the flush boundary is replaced whole rather
// than leaking its head into the flushed chunk.
func (p *Pump) Write(b []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.pending = append(p.pending, b...)
	if len(p.pending) <= p.maxHold {
		return
	}
	scrubbed := scrub(string(p.pending), p.scrub)
	if len(scrubbed) <= p.maxHold {
		p.pending = []byte(scrubbed)
		return
	}
	flushLen := len(scrubbed) - p.maxHold
	p.pending = []byte(scrubbed[flushLen:])
	p.emit([]byte(scrubbed[:flushLen]))
}

// Finish flushes the withheld tail. The run is over, so no next arrival
// can complete a split placeholder; whatever remains is scrubbed one
// final time and emitted.
func (p *Pump) Finish() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.pending) == 0 {
		return
	}
	toFlush := p.pending
	p.pending = nil
	p.emit(toFlush)
}

func (p *Pump) emit(b []byte) {
	scrubbed := scrub(string(b), p.scrub)
	p.accumulated.WriteString(scrubbed)
	for _, sink := range p.sinks {
		if sink != nil {
			sink(scrubbed)
		}
	}
}

// String returns the concatenation of all emitted, post-scrub bytes.
// Call Finish first to include any withheld tail.
func (p *Pump) String() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.accumulated.String()
}

func scrub(s string, table map[string]string) string {
	if len(table) == 0 {
		return s
	}
	for placeholder, redaction := range table {
		if placeholder == "" {
			continue
		}
		s = strings.ReplaceAll(s, placeholder, redaction)
	}
	return s
}

// ScrubString is exported for scrubbing one-off strings outside a pump's
// stream, such as error messages crossing the public boundary.
func ScrubString(s string, table map[string]string) string {
	return scrub(s, table)
}

package transport

import (
	"bufio"
	"fmt"
	"net"
	"sort"
	"sync"
	"time"
)

// pollEntry pairs a registered connection with the buffered reader used
// both to probe readiness (via Peek) and to frame the packet that follows.
type pollEntry struct {
	conn   net.Conn
	reader *bufio.Reader
}

// roundRobinPoller realizes ReadinessPoller using short read-deadline
// Peek(1) probes in round-robin order across registered connections. Go's
// net package exposes no portable multiplexed readiness primitive
// (epoll/kqueue) without platform-specific syscalls, so each Wait call
// gives every registered connection a slice of the overall timeout budget;
// a Peek that returns data (or a permanent error) without blocking marks
// that connection ready. This keeps Receiver's poll loop (spec.md section
// 4.4) portable across every platform the standard library supports.
type roundRobinPoller struct {
	mu      sync.Mutex
	entries map[any]*pollEntry
	order   []any
	cursor  int
}

// NewReadinessPoller returns the default ReadinessPoller.
func NewReadinessPoller() ReadinessPoller {
	return &roundRobinPoller{entries: make(map[any]*pollEntry)}
}

func (p *roundRobinPoller) Register(key any, conn net.Conn) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, exists := p.entries[key]; exists {
		return
	}
	p.entries[key] = &pollEntry{conn: conn, reader: bufio.NewReader(conn)}
	p.order = append(p.order, key)
}

func (p *roundRobinPoller) Unregister(key any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.entries, key)
	for i, k := range p.order {
		if k == key {
			p.order = append(p.order[:i], p.order[i+1:]...)
			break
		}
	}
}

func (p *roundRobinPoller) Reader(key any) *bufio.Reader {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.entries[key]
	if !ok {
		return nil
	}
	return e.reader
}

// Wait splits timeout evenly across every registered connection and probes
// each with a non-consuming Peek(1); the cursor carries over between calls
// so no connection starves under a long-lived poll loop.
func (p *roundRobinPoller) Wait(timeout time.Duration) (any, bool) {
	p.mu.Lock()
	keys := append([]any(nil), p.order...)
	entries := make(map[any]*pollEntry, len(p.entries))
	for k, e := range p.entries {
		entries[k] = e
	}
	startCursor := p.cursor
	p.mu.Unlock()

	if len(keys) == 0 {
		if timeout > 0 {
			time.Sleep(timeout)
		}
		return nil, false
	}

	sort.Slice(keys, func(i, j int) bool {
		return fmt.Sprint(keys[i]) < fmt.Sprint(keys[j])
	})

	perConn := timeout / time.Duration(len(keys))
	if perConn <= 0 {
		perConn = time.Millisecond
	}

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		for i := 0; i < len(keys); i++ {
			idx := (startCursor + i) % len(keys)
			key := keys[idx]
			e, ok := entries[key]
			if !ok {
				continue
			}

			e.conn.SetReadDeadline(time.Now().Add(perConn))
			_, err := e.reader.Peek(1)
			e.conn.SetReadDeadline(time.Time{})

			if err == nil || !isTimeoutErr(err) {
				p.mu.Lock()
				p.cursor = (idx + 1) % len(keys)
				p.mu.Unlock()
				return key, true
			}
		}
	}
	return nil, false
}

func isTimeoutErr(err error) bool {
	type timeoutErr interface{ Timeout() bool }
	te, ok := err.(timeoutErr)
	return ok && te.Timeout()
}

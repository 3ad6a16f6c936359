// Package sessionpool implements the Session Pool: an LRU of per-hostname
// impersonating HTTP sessions, grounded directly on the teacher's
// engine/internal/resources/manager.go container/list + map LRU pattern,
// generalized here to hold live session handles instead of cached pages and
// adding a forced-eviction path for high-confidence blocks.
package sessionpool

import (
	"container/list"
	"net/http"
	"sync"
)

// Session is a single impersonating HTTP session: a reusable *http.Client
// (carrying cookies and TLS session resumption state for its hostname) plus
// the default headers it was synthesized with.
type Session struct {
	Hostname       string
	Client         *http.Client
	DefaultHeaders http.Header
}

// Factory creates a new Session for a hostname; supplied by the transport
// layer so the pool itself stays independent of TLS/dialer details.
type Factory func(hostname string) (*Session, error)

// Pool is a hostname-keyed LRU of Sessions, bounded to Capacity entries.
type Pool struct {
	mu       sync.Mutex
	capacity int
	factory  Factory
	lru      *list.List
	index    map[string]*list.Element
}

type entry struct {
	hostname string
	session  *Session
}

// New constructs a Pool bounded to capacity entries (minimum 1), using
// factory to create sessions on miss.
func New(capacity int, factory Factory) *Pool {
	if capacity < 1 {
		capacity = 1
	}
	return &Pool{
		capacity: capacity,
		factory:  factory,
		lru:      list.New(),
		index:    make(map[string]*list.Element),
	}
}

// Get returns the session for hostname, creating one on first use. An
// existing entry is promoted to most-recently-used. If the pool is over
// capacity after insertion, the least-recently-used entry is evicted.
func (p *Pool) Get(hostname string) (*Session, error) {
	p.mu.Lock()
	if el, ok := p.index[hostname]; ok {
		p.lru.MoveToFront(el)
		sess := el.Value.(*entry).session
		p.mu.Unlock()
		return sess, nil
	}
	p.mu.Unlock()

	sess, err := p.factory(hostname)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	// Another goroutine may have raced us to create the same hostname's
	// session; prefer the one already installed.
	if el, ok := p.index[hostname]; ok {
		p.lru.MoveToFront(el)
		return el.Value.(*entry).session, nil
	}
	el := p.lru.PushFront(&entry{hostname: hostname, session: sess})
	p.index[hostname] = el
	p.evictOverCapacityLocked()
	return sess, nil
}

func (p *Pool) evictOverCapacityLocked() {
	for p.lru.Len() > p.capacity {
		back := p.lru.Back()
		if back == nil {
			return
		}
		e := back.Value.(*entry)
		p.lru.Remove(back)
		delete(p.index, e.hostname)
	}
}

// Evict removes and closes one entry for hostname, if present. Used on a
// high-confidence block so the next attempt opens a fresh session.
func (p *Pool) Evict(hostname string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	el, ok := p.index[hostname]
	if !ok {
		return
	}
	if s := el.Value.(*entry).session; s != nil && s.Client != nil {
		s.Client.CloseIdleConnections()
	}
	p.lru.Remove(el)
	delete(p.index, hostname)
}

// EvictAll removes and closes every entry, for process shutdown.
func (p *Pool) EvictAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for el := p.lru.Front(); el != nil; el = el.Next() {
		if s := el.Value.(*entry).session; s != nil && s.Client != nil {
			s.Client.CloseIdleConnections()
		}
	}
	p.lru.Init()
	p.index = make(map[string]*list.Element)
}

// Len reports the current number of pooled sessions.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lru.Len()
}

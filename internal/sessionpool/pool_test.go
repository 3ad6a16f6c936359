package sessionpool

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func factoryFor(t *testing.T) Factory {
	return func(hostname string) (*Session, error) {
		return &Session{Hostname: hostname, Client: &http.Client{}, DefaultHeaders: http.Header{}}, nil
	}
}

func TestPool_CreatesOnMiss(t *testing.T) {
	p := New(2, factoryFor(t))
	s, err := p.Get("example.com")
	require.NoError(t, err)
	assert.Equal(t, "example.com", s.Hostname)
	assert.Equal(t, 1, p.Len())
}

func TestPool_ReturnsSameSessionOnHit(t *testing.T) {
	p := New(2, factoryFor(t))
	s1, _ := p.Get("example.com")
	s2, _ := p.Get("example.com")
	assert.Same(t, s1, s2)
	assert.Equal(t, 1, p.Len())
}

func TestPool_EvictsLeastRecentlyUsedOverCapacity(t *testing.T) {
	p := New(2, factoryFor(t))
	_, _ = p.Get("a.com")
	_, _ = p.Get("b.com")
	_, _ = p.Get("a.com") // promote a.com to MRU
	_, _ = p.Get("c.com") // evicts b.com

	assert.Equal(t, 2, p.Len())
	_, okA := p.index["a.com"]
	_, okB := p.index["b.com"]
	_, okC := p.index["c.com"]
	assert.True(t, okA)
	assert.False(t, okB)
	assert.True(t, okC)
}

func TestPool_ForceEvictOnBlock(t *testing.T) {
	p := New(2, factoryFor(t))
	s1, _ := p.Get("example.com")
	p.Evict("example.com")
	assert.Equal(t, 0, p.Len())

	s2, _ := p.Get("example.com")
	assert.NotSame(t, s1, s2)
}

func TestPool_EvictAll(t *testing.T) {
	p := New(3, factoryFor(t))
	_, _ = p.Get("a.com")
	_, _ = p.Get("b.com")
	p.EvictAll()
	assert.Equal(t, 0, p.Len())
}

func TestPool_BoundInvariant(t *testing.T) {
	p := New(2, factoryFor(t))
	for _, h := range []string{"a.com", "b.com", "c.com", "d.com", "e.com"} {
		_, err := p.Get(h)
		require.NoError(t, err)
		assert.LessOrEqual(t, p.Len(), 2)
	}
}

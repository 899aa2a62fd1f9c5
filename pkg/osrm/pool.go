package osrm

import (
	"context"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/abeja-inc/table-splitter/pkg/data"
)

// Pool spreads table requests round-robin over a changing set of backends.
// Every backend keeps its own in-flight and rate limits.
type Pool struct {
	template ClientConfig

	mutex   sync.RWMutex
	clients []*Client
	next    atomic.Uint64
}

// NewPool creates a pool whose backends share template except for BaseURL.
func NewPool(template ClientConfig, urls []string) *Pool {
	p := &Pool{template: template}
	p.Update(urls)
	return p
}

// Update replaces the backend set. Clients of backends that stay in the set
// are kept so their limits carry over.
func (p *Pool) Update(urls []string) (added, removed int) {
	wanted := normalizeURLs(urls)

	p.mutex.Lock()
	defer p.mutex.Unlock()

	existing := make(map[string]*Client, len(p.clients))
	for _, c := range p.clients {
		existing[c.BaseURL()] = c
	}
	clients := make([]*Client, 0, len(wanted))
	for _, u := range wanted {
		if c, ok := existing[u]; ok {
			clients = append(clients, c)
			delete(existing, u)
			continue
		}
		cfg := p.template
		cfg.BaseURL = u
		clients = append(clients, NewClient(cfg))
		added++
	}
	p.clients = clients
	return added, len(existing)
}

// Backends returns the current backend addresses in sorted order.
func (p *Pool) Backends() []string {
	p.mutex.RLock()
	defer p.mutex.RUnlock()
	urls := make([]string, 0, len(p.clients))
	for _, c := range p.clients {
		urls = append(urls, c.BaseURL())
	}
	return urls
}

// Len returns the number of backends.
func (p *Pool) Len() int {
	p.mutex.RLock()
	defer p.mutex.RUnlock()
	return len(p.clients)
}

func (p *Pool) pick() (*Client, error) {
	p.mutex.RLock()
	defer p.mutex.RUnlock()
	if len(p.clients) == 0 {
		return nil, ErrNoBackend
	}
	i := p.next.Add(1) - 1
	return p.clients[i%uint64(len(p.clients))], nil
}

// Table forwards req to the next backend.
func (p *Pool) Table(ctx context.Context, req data.TableRequest) (*data.PartialMatrix, error) {
	c, err := p.pick()
	if err != nil {
		return nil, err
	}
	return c.Table(ctx, req)
}

func normalizeURLs(urls []string) []string {
	seen := map[string]struct{}{}
	out := make([]string, 0, len(urls))
	for _, u := range urls {
		u = strings.TrimRight(strings.TrimSpace(u), "/")
		if u == "" {
			continue
		}
		if _, ok := seen[u]; ok {
			continue
		}
		seen[u] = struct{}{}
		out = append(out, u)
	}
	sort.Strings(out)
	return out
}

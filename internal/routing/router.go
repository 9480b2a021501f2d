// Package routing maps an incoming Host to the node pool that serves it.
package routing

import (
	"sort"

	"github.com/mir00r/bulu/internal/config"
	"github.com/mir00r/bulu/internal/domain"
	lberrors "github.com/mir00r/bulu/internal/errors"
	"github.com/mir00r/bulu/internal/service"
)

// Mode identifies how a Router resolves hosts
type Mode string

const (
	// ModeFlat sends every request to one global pool
	ModeFlat Mode = "flat"
	// ModeDomains selects a pool by the request's Host
	ModeDomains Mode = "domains"
)

// Router resolves request hosts to pools. A Router is immutable once built;
// configuration reloads build a new one.
type Router interface {
	// Resolve returns the pool for a Host header value
	Resolve(host string) (*service.Pool, error)
	// Pool returns a pool by domain name (domain.FlatDomain in flat mode)
	Pool(name string) (*service.Pool, bool)
	// Pools returns every pool, sorted by name
	Pools() []*service.Pool
	Mode() Mode
}

type flatRouter struct {
	pool *service.Pool
}

// NewFlat returns a router that ignores the host
func NewFlat(pool *service.Pool) Router {
	return &flatRouter{pool: pool}
}

func (r *flatRouter) Resolve(string) (*service.Pool, error) { return r.pool, nil }

func (r *flatRouter) Pool(name string) (*service.Pool, bool) {
	if name != domain.FlatDomain {
		return nil, false
	}
	return r.pool, true
}

func (r *flatRouter) Pools() []*service.Pool { return []*service.Pool{r.pool} }

func (r *flatRouter) Mode() Mode { return ModeFlat }

type domainRouter struct {
	pools map[string]*service.Pool
}

// NewDomains returns a router keyed by normalized domain name. Pools
// are never shared between domains.
func NewDomains(pools []*service.Pool) (Router, error) {
	m := make(map[string]*service.Pool, len(pools))
	for _, p := range pools {
		key := domain.NormalizeHost(p.Name())
		if _, dup := m[key]; dup {
			return nil, lberrors.NewConfigError("duplicate domain %q", p.Name())
		}
		m[key] = p
	}
	return &domainRouter{pools: m}, nil
}

func (r *domainRouter) Resolve(host string) (*service.Pool, error) {
	if p, ok := r.pools[domain.NormalizeHost(host)]; ok {
		return p, nil
	}
	return nil, lberrors.NewUnknownDomainError(host)
}

func (r *domainRouter) Pool(name string) (*service.Pool, bool) {
	p, ok := r.pools[domain.NormalizeHost(name)]
	return p, ok
}

func (r *domainRouter) Pools() []*service.Pool {
	pools := make([]*service.Pool, 0, len(r.pools))
	for _, p := range r.pools {
		pools = append(pools, p)
	}
	sort.Slice(pools, func(i, j int) bool { return pools[i].Name() < pools[j].Name() })
	return pools
}

func (r *domainRouter) Mode() Mode { return ModeDomains }

// FromConfig builds fresh nodes and pools for a validated configuration
func FromConfig(cfg *config.Config) (Router, error) {
	tc := cfg.TransportConfig()

	if cfg.FlatMode() {
		pool, err := buildPool(domain.FlatDomain, cfg.Nodes, tc)
		if err != nil {
			return nil, err
		}
		return NewFlat(pool), nil
	}

	pools := make([]*service.Pool, 0, len(cfg.Domains))
	for _, d := range cfg.Domains {
		pool, err := buildPool(domain.NormalizeHost(d.Domain), d.Nodes, tc)
		if err != nil {
			return nil, err
		}
		pools = append(pools, pool)
	}
	return NewDomains(pools)
}

func buildPool(name string, nodes []config.NodeConfig, tc domain.TransportConfig) (*service.Pool, error) {
	built := make([]*domain.Node, 0, len(nodes))
	for _, n := range nodes {
		u, err := config.ParseNodeURL(n.URL)
		if err != nil {
			return nil, lberrors.NewConfigError("%s: node %q: %v", name, n.Name, err)
		}
		built = append(built, domain.NewNode(name, n.Name, u, n.Weights, tc))
	}
	return service.NewPool(name, built)
}

// CloseIdleConnections releases pooled upstream connections of every node.
// Used on a router that has been replaced.
func CloseIdleConnections(r Router) {
	for _, p := range r.Pools() {
		for _, n := range p.Nodes() {
			n.Transport.CloseIdleConnections()
		}
	}
}

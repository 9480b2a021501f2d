package service

import (
	"fmt"
	"sync"

	"github.com/mir00r/bulu/internal/domain"
	lberrors "github.com/mir00r/bulu/internal/errors"
)

// Pool is the set of nodes serving one domain (or the flat pool) together
// with the smooth weighted round-robin state used to pick between them.
//
// Each pick adds every eligible node's weight to its current weight, takes
// the node with the largest current weight and subtracts the total eligible
// weight from the winner. Over any W consecutive picks (W the total weight)
// a node of weight w is chosen exactly w times, interleaved rather than in
// bursts. Current weights live here, not on the node, and are reset
// whenever the healthy set changes.
type Pool struct {
	name    string
	nodes   []*domain.Node
	index   map[string]int
	mutex   sync.Mutex
	current []int
}

// NewPool creates a pool. Node names must be unique and weights positive.
func NewPool(name string, nodes []*domain.Node) (*Pool, error) {
	if len(nodes) == 0 {
		return nil, lberrors.NewConfigError("pool %q has no nodes", name)
	}

	index := make(map[string]int, len(nodes))
	for i, n := range nodes {
		if n.Weight <= 0 {
			return nil, lberrors.NewConfigError("pool %q: node %q has non-positive weight %d", name, n.Name, n.Weight)
		}
		if _, dup := index[n.Name]; dup {
			return nil, lberrors.NewConfigError("pool %q: duplicate node %q", name, n.Name)
		}
		index[n.Name] = i
	}

	return &Pool{
		name:    name,
		nodes:   append([]*domain.Node(nil), nodes...),
		index:   index,
		current: make([]int, len(nodes)),
	}, nil
}

// Name returns the domain this pool serves
func (p *Pool) Name() string {
	return p.name
}

// Nodes returns the pool members in configuration order
func (p *Pool) Nodes() []*domain.Node {
	return append([]*domain.Node(nil), p.nodes...)
}

// Lookup finds a node by name
func (p *Pool) Lookup(name string) (*domain.Node, bool) {
	i, ok := p.index[name]
	if !ok {
		return nil, false
	}
	return p.nodes[i], true
}

// HealthyCount returns the number of nodes currently marked healthy
func (p *Pool) HealthyCount() int {
	count := 0
	for _, n := range p.nodes {
		if n.IsHealthy() {
			count++
		}
	}
	return count
}

// TotalWeight returns the sum of weights of healthy nodes
func (p *Pool) TotalWeight() int {
	total := 0
	for _, n := range p.nodes {
		if n.IsHealthy() {
			total += n.Weight
		}
	}
	return total
}

// Select picks the next node. Unhealthy nodes and nodes in exclude (those
// already tried for the current request) are not eligible.
func (p *Pool) Select(exclude ...*domain.Node) (*domain.Node, error) {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	best := -1
	total := 0
	for i, n := range p.nodes {
		if !n.IsHealthy() || excluded(n, exclude) {
			continue
		}
		p.current[i] += n.Weight
		total += n.Weight
		if best < 0 || p.current[i] > p.current[best] {
			best = i
		}
	}

	if best < 0 {
		return nil, lberrors.NewNoHealthyNodeError(p.name)
	}

	p.current[best] -= total
	return p.nodes[best], nil
}

// MarkUnhealthy takes a node out of rotation. It reports whether the
// node's state changed.
func (p *Pool) MarkUnhealthy(n *domain.Node) bool {
	if !n.SetHealthy(false) {
		return false
	}
	p.reset()
	return true
}

// MarkHealthy returns a node to rotation. It reports whether the node's
// state changed.
func (p *Pool) MarkHealthy(n *domain.Node) bool {
	if !n.SetHealthy(true) {
		return false
	}
	p.reset()
	return true
}

func (p *Pool) reset() {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	for i := range p.current {
		p.current[i] = 0
	}
}

// String implements fmt.Stringer
func (p *Pool) String() string {
	return fmt.Sprintf("%s(%d/%d healthy)", p.name, p.HealthyCount(), len(p.nodes))
}

func excluded(n *domain.Node, exclude []*domain.Node) bool {
	for _, e := range exclude {
		if e == n {
			return true
		}
	}
	return false
}

/*
Package service holds the per-domain node pools and the components that keep
them current.

Pool:
A Pool is the ordered node list of one domain (or the single flat pool) plus
the smooth weighted round-robin state used to pick a node for each request.
Selection, health changes and weight resets all happen under the pool mutex,
so concurrent callers observe one interleaved sequence.

	pool, err := service.NewPool("aaa.xbyct.net", nodes)
	if err != nil {
		return err
	}

	// first attempt
	node, err := pool.Select()

	// retry, skipping the node that just failed
	node, err = pool.Select(node)

With weights {3, 2, 1} the pool yields a a b a c b and then repeats; a node is
never picked twice in a row unless its weight dominates the rest.

Marking a node unhealthy (or healthy again) resets every current weight to
zero so the remaining nodes restart their cycle from a clean state:

	if pool.MarkUnhealthy(node) {
		// node left rotation
	}

HealthChecker:
HealthChecker probes every node of every pool returned by a PoolSource. A
probe is a TCP dial, or an HTTP GET of the configured path when one is set,
and the result is applied through the pool so weight state stays coherent.

	checker := service.NewHealthChecker(cfg, router.Pools, metrics, log)
	results := checker.ProbeAll(ctx) // startup probe
	checker.StartChecking(ctx)       // periodic probes
	defer checker.StopChecking()

Metrics:
Metrics registers the proxy's Prometheus collectors on a private registry,
served by the admin API under /metrics.
*/
package service

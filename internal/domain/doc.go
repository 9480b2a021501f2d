/*
Package domain contains the core entities shared by the dispatch engine.

Node:
Node represents one backend server. Its name, URL and weight are fixed after
configuration load; its health flag and counters are updated concurrently with
atomics. Each node owns an *http.Transport so upstream connections are pooled
per node and can be dropped when the node turns unhealthy.

	u, _ := url.Parse("http://127.0.0.1:7001/")
	node := domain.NewNode("aaa.xbyct.net", "node1", u, 100, domain.DefaultTransportConfig())
	if node.IsHealthy() {
		// eligible for selection
	}

Request state machine:
Every inbound request carries a RequestContext whose State follows

	Received -> RateChecked -> DomainResolved -> NodeSelected -> Forwarding
	Forwarding -> Completed | Retrying | Failed
	Retrying -> NodeSelected | Failed

Transition rejects anything else, which keeps the retry loop bounded and
observable in logs.
*/
package domain

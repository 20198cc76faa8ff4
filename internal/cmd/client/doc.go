// Package client provides the `correlator` command-line client.
//
// The CLI talks to the correlator HTTP API and its gRPC health endpoint to
// publish messages, submit engine commands and inspect a running node.
//
// # Address configuration
//
// The HTTP base URL is discovered by the application that embeds the
// commands via a BaseURLFunc; the standalone binary reads CORRELATOR_HTTP
// (default http://127.0.0.1:8080). The gRPC address is read from
// CORRELATOR_GRPC (default 127.0.0.1:26500).
//
// Usage
//
//	correlator publish --name order-paid --correlation-key order-42 \
//	    --vars '{"amount":42}' --ttl 10m
//	correlator publish --name order-paid --correlation-key order-42 --unique
//
//	correlator submit --data '{"type":"DEPLOY_START_EVENT","startEvent":{...}}'
//	correlator submit --file commands.json
//
//	correlator stats
//	correlator inspect --partition 2 --limit 20 --reverse
//	correlator health
package client

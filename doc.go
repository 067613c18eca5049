// Package orchestrate implements a multi-agent workflow orchestration platform.
//
// Orchestrate runs declarative multi-stage workflows across a fleet of
// independently deployed agents. It routes work to agents by capability and
// load, tracks per-run stage state, runs a kanban-style task board for
// delegated agent tasks, dispatches
// completion events over signed webhooks, and keeps long-lived agent
// connections alive over a websocket gateway.
//
// # Quick Start
//
// Install the server and operator CLI:
//
//	go install github.com/relaykit/orchestrate/cmd/orchestrate@latest
//	go install github.com/relaykit/orchestrate/cmd/orchestratectl@latest
//
// Start the server against a config file:
//
//	orchestrate serve --config orchestrate.yaml
//
// # Using as a Go Library
//
// Import specific packages:
//
//	import (
//	    "github.com/relaykit/orchestrate/internal/router"
//	    "github.com/relaykit/orchestrate/internal/workflow"
//	    "github.com/relaykit/orchestrate/config"
//	)
//
// # Key Components
//
//   - Agent Router: capability- and load-aware agent selection
//   - Workflow Worker: DAG-scheduled multi-stage execution with retry/fallback
//   - Kanban Engine: claimable task board for delegated agent tasks
//   - Agent Gateway: persistent websocket connections with heartbeat
//   - Webhook Dispatcher: signed, retried event delivery
//   - Queue Broker: etcd-backed or in-memory job leasing
//
// # Architecture
//
//	Client → HTTP API → Workflow Worker → Router → Agent (native/external)
//	                          ↓
//	                   Kanban + Event Bus → Webhooks / Gateway
//
// # Status
//
// Under active development. APIs may change between minor versions.
package orchestrate

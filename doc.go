// Package payflow is a payment orchestration and reconciliation engine for
// mobile money and card providers. It owns the full lifecycle of a payment
// intent, from creation through provider hand-off to settlement, and keeps
// local state consistent with the provider's even when webhooks are delayed,
// duplicated, or lost.
//
// # Overview
//
// Mobile money gateways confirm payments asynchronously: the create call
// only starts a payment, and the real outcome arrives later as a webhook
// that may be delivered twice or not at all. PayFlow absorbs that model
// behind a small API. Every payment is a PaymentIntent moving through a
// fixed state machine; webhooks and a polling reconciler race to settle it,
// and an event log guarantees each provider event changes state at most
// once, so downstream business effects fire exactly once.
//
// # Architecture
//
//	┌─────────────────┐    ┌─────────────────┐    ┌─────────────────┐
//	│                 │    │                 │    │  MTN MoMo       │
//	│   Your Apps     │◄──►│    PayFlow      │◄──►│  Orange Money   │
//	│                 │    │  (Orchestrator) │    │  Stripe         │
//	│                 │    │                 │    │                 │
//	└─────────────────┘    └─────────────────┘    └─────────────────┘
//
// The provider package defines the adapter contract and a registry with
// pre-computed capability metadata. The payment package holds the intent
// state machine, the sqlite store, the webhook router, the reconciler and
// the effect dispatcher. The handler and router packages expose the HTTP
// surface.
//
// # Quick Start
//
//	package main
//
//	import (
//	    "context"
//
//	    "github.com/payflowhq/payflow/payment"
//	    "github.com/payflowhq/payflow/provider"
//	    _ "github.com/payflowhq/payflow/provider/mtnmomo" // Import to register adapter
//	)
//
//	func main() {
//	    adapter, err := provider.Resolve("mtnmomo", map[string]string{
//	        "subscriptionKey": "your-subscription-key",
//	        "apiUser":         "your-api-user",
//	        "apiKey":          "your-api-key",
//	        "environment":     "sandbox", // or "production"
//	    })
//	    if err != nil {
//	        panic(err)
//	    }
//
//	    result, err := adapter.Create(context.Background(), provider.CreateRequest{
//	        IntentID: "intent-1",
//	        Amount:   150000, // smallest currency unit
//	        Currency: "XAF",
//	        Phone:    "+237670000001",
//	    })
//	    if err != nil {
//	        panic(err)
//	    }
//	    _ = result
//	}
//
// In a full deployment the Orchestrator drives adapters instead of calling
// them directly; see payment.NewOrchestrator and cmd/main.go.
//
// # Settlement Guarantees
//
// Webhook deliveries are deduplicated on the provider's event id, intent
// rows are mutated only inside immediate write transactions, and the status
// transition table rejects any move out of a terminal state. Together these
// make business effects exactly-once under at-least-once delivery. A
// background reconciler polls the provider for intents whose webhook never
// arrived, and an expiry job fails intents that outlive their payment
// window.
package payflow

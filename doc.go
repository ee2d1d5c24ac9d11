// Package beacon provides the durable delivery core of a client-side telemetry SDK.
//
// Typical flow:
//  1. A Composer turns domain events (sessions, events, user details, location, attribution) into
//     URL-encoded requests, applying consent at composition time.
//  2. Requests are appended to a bounded, persisted Queue. Session requests pass through an Arbiter
//     so that only one concurrently open session emits traffic.
//  3. A single Worker drains the Queue in order, stamping the current device id at send time,
//     classifying each response, and removing a request only when the server accepted it.
//
// The IdentityManager owns device id transitions (anonymous, developer supplied, temporary) and the
// schema migration of persisted identity records. Client wires all components together.
//
// Storage backends live in the filestore, sqlite, mysql and postgres packages.
package beacon

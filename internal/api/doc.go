// Package api hosts the HTTP handlers of the orchestrator's REST API.
//
// Handler routes requests with gorilla/mux and delegates all work to the
// services injected at construction time: the bulk upload coordinator, the
// batch orchestrator and the log sink. Handlers never reach for globals;
// callers supply fully configured dependencies so endpoint behaviour can be
// tested with fakes.
//
// Errors are always rendered as {"error": "..."} with the qualified reason.
// Middleware concerns (request ids, access logging, metrics, panic recovery,
// CORS and rate limiting) live in internal/server.
package api

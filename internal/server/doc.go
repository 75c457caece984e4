// Package server hosts the orchestrator API on a single HTTP server.
//
// The server wraps the API router in one middleware chain: panic recovery,
// request ids, access logging, metrics, security headers, CORS and rate
// limiting, so every handler shares the same protections and
// instrumentation.
package server

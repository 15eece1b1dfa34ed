// Package http implements the broker's REST handlers. Handlers only parse
// requests, call the service layer and render results; failures go through
// the problem details renderer so key request errors keep their kind.
//
// # Routes
//
//	GET  /api/health, /api/health/live, /api/health/ready
//	GET  /api/version
//	GET  /api/certificate          raw application certificate
//	GET  /api/certificate/status   cache statistics
//	POST /api/certificate/reset    drop the cached certificate
//	POST /api/keys                 two-step key exchange
//	GET  /metrics                  Prometheus exposition
//
// # Two-step key exchange
//
// A host that generates the payload itself first downloads the certificate,
// then posts the key request URI with the base64 payload:
//
//	{"uri": "skd://license.example.com/asset", "payload": "AAEC..."}
//
// and receives the base64 license response:
//
//	{"id": "...", "content_id": "license.example.com/asset", "response": "..."}
package http

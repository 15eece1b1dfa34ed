// Package app wires the key broker together and manages its lifecycle.
//
// # Initialization Flow
//
//	1. Load configuration from defaults, YAML, .env and the environment
//	2. Initialize logging and OpenTelemetry
//	3. Build the certificate store and the license client
//	4. Create the WebSocket hub and the services
//	5. Set up middleware, handlers and the HTTP server
//
// # Routing
//
// /ws is registered before the main middleware group so nothing wraps the
// ResponseWriter ahead of the upgrade. Everything else runs behind tracing,
// request logging, panic recovery, security headers, CORS, rate limiting
// and the body size limit. /metrics sits outside the group.
//
// # Usage
//
//	application, err := app.NewApplication()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := application.Run(); err != nil {
//	    log.Fatal(err)
//	}
//
// # Graceful Shutdown
//
// Run stops on SIGINT or SIGTERM. Host sessions are closed first, which
// cancels their in-flight key requests, then the HTTP server drains and the
// telemetry providers flush.
package app

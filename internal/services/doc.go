// Package services sits between the HTTP handlers and the license client.
// Handlers decode and render; services own the calls into the domain.
//
// # Available Services
//
//	- KeyService: certificate access and the two-step key exchange for
//	  hosts that build the key request payload themselves
//	- HealthService: liveness, readiness and version reporting
//
// # Readiness
//
// ReadinessCheck warms the certificate cache on a miss and fails while the
// certificate cannot be fetched or the configured user token has expired.
//
// # Error Handling
//
// KeyService returns *license.Error values unchanged so the problem
// details renderer can map the error kind to an HTTP status.
package services

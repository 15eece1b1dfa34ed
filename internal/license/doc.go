// Package license acquires content keys for encrypted media playback.
//
// A host media engine raises a key request identified by a URI in a
// custom scheme (skd:// by default). The Client turns that request into a
// key response in four stages:
//
//	1. Parse the URI into a content identifier and a license endpoint
//	   (the custom scheme replaced by https).
//	2. Resolve the application certificate through the CertificateStore,
//	   which fetches it once and shares the result.
//	3. Ask the PayloadGenerator (the host engine) for the opaque key
//	   request payload.
//	4. POST the payload to the license endpoint with the tenant and user
//	   credentials and return the body of a 200 response.
//
// Each stage maps to a State; failures are reported as *Error with an
// ErrorKind naming the stage:
//
//	resp, err := client.HandleKeyRequest(ctx, "skd://abc123")
//	switch {
//	case errors.Is(err, license.ErrLicenseDenied):
//	    status := license.StatusCodeOf(err)
//	case license.IsTimeout(err):
//	    // deadline expired
//	}
//
// Submit runs a request asynchronously and returns a Task that can be
// cancelled. A cancelled task delivers nothing.
//
// Credentials are never logged; log lines carry masked values or short
// SHA-256 fingerprints instead.
package license

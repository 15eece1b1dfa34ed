package errors

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/render"

	"keybroker/internal/license"
)

// Problem types for key request failures
const (
	TypeMalformedRequest        = "/errors/key/malformed-request"
	TypeCertificateFetchFailed  = "/errors/key/certificate-fetch-failed"
	TypePayloadGenerationFailed = "/errors/key/payload-generation-failed"
	TypeNetworkError            = "/errors/key/network-error"
	TypeLicenseDenied           = "/errors/key/license-denied"
	TypeEmptyLicenseResponse    = "/errors/key/empty-license-response"
)

// ProblemDetails implements RFC 7807 Problem Details for HTTP APIs
type ProblemDetails struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`

	// Additional fields for extensibility
	Extensions map[string]interface{} `json:"-"`
}

// Render implements the render.Renderer interface
func (pd *ProblemDetails) Render(w http.ResponseWriter, r *http.Request) error {
	w.Header().Set("Content-Type", "application/problem+json")
	render.Status(r, pd.Status)
	return nil
}

// WriteProblem writes problem as application/problem+json. render.JSON
// would replace the content type, so the body is encoded here.
func WriteProblem(w http.ResponseWriter, problem *ProblemDetails) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(problem.Status)
	_ = json.NewEncoder(w).Encode(problem)
}

// MarshalJSON flattens extensions into the top-level object
func (pd *ProblemDetails) MarshalJSON() ([]byte, error) {
	data := make(map[string]interface{}, len(pd.Extensions)+5)

	for k, v := range pd.Extensions {
		data[k] = v
	}

	data["type"] = pd.Type
	data["title"] = pd.Title
	data["status"] = pd.Status
	if pd.Detail != "" {
		data["detail"] = pd.Detail
	}
	if pd.Instance != "" {
		data["instance"] = pd.Instance
	}

	return json.Marshal(data)
}

// NewProblemDetails creates a new RFC 7807 compliant error
func NewProblemDetails(status int, problemType, title, detail, instance string) *ProblemDetails {
	return &ProblemDetails{
		Type:       problemType,
		Title:      title,
		Status:     status,
		Detail:     detail,
		Instance:   instance,
		Extensions: make(map[string]interface{}),
	}
}

// WithExtension adds an extension field to the problem details
func (pd *ProblemDetails) WithExtension(key string, value interface{}) *ProblemDetails {
	pd.Extensions[key] = value
	return pd
}

// MapKeyError maps a key request failure to problem details. The second
// result is false when err is not a key request error.
func MapKeyError(err error, instance string) (*ProblemDetails, bool) {
	var keyErr *license.Error
	if !errors.As(err, &keyErr) {
		return nil, false
	}

	var problem *ProblemDetails
	switch keyErr.Kind {
	case license.KindMalformedRequest:
		problem = NewProblemDetails(
			http.StatusBadRequest,
			TypeMalformedRequest,
			"Malformed Key Request",
			err.Error(),
			instance,
		)

	case license.KindPayloadGenerationFailed:
		problem = NewProblemDetails(
			http.StatusUnprocessableEntity,
			TypePayloadGenerationFailed,
			"Payload Generation Failed",
			"The host engine did not produce a key request payload.",
			instance,
		)

	case license.KindLicenseDenied:
		problem = NewProblemDetails(
			http.StatusForbidden,
			TypeLicenseDenied,
			"License Denied",
			"The license service refused the key request.",
			instance,
		).WithExtension("upstream_status", keyErr.StatusCode)

	case license.KindEmptyLicenseResponse:
		problem = NewProblemDetails(
			http.StatusBadGateway,
			TypeEmptyLicenseResponse,
			"Empty License Response",
			"The license service answered without a key response.",
			instance,
		)

	case license.KindCertificateFetchFailed:
		problem = NewProblemDetails(
			http.StatusBadGateway,
			TypeCertificateFetchFailed,
			"Certificate Fetch Failed",
			"The application certificate could not be retrieved.",
			instance,
		)

	case license.KindNetworkError:
		status := http.StatusBadGateway
		if license.IsTimeout(err) {
			status = http.StatusGatewayTimeout
		}
		problem = NewProblemDetails(
			status,
			TypeNetworkError,
			"License Service Unreachable",
			"The license request could not be completed.",
			instance,
		)

	default:
		problem = NewProblemDetails(
			http.StatusInternalServerError,
			TypeInternal,
			"Internal Server Error",
			"An unexpected error occurred while processing your request.",
			instance,
		)
	}

	problem.WithExtension("error_kind", keyErr.Kind.String()).
		WithExtension("transient", keyErr.Kind.Transient())
	if license.IsTimeout(err) {
		problem.WithExtension("timeout", true)
	}
	return problem, true
}

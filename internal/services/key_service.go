package services

import (
	"context"
	"log/slog"

	"keybroker/internal/license"
)

// KeyService serves hosts that generate the key request payload
// themselves: they fetch the certificate, build the payload locally and
// submit it with the key request URI.
type KeyService struct {
	client *license.Client
	logger *slog.Logger
}

// NewKeyService creates a key service backed by client.
func NewKeyService(client *license.Client, logger *slog.Logger) *KeyService {
	if logger == nil {
		logger = slog.Default()
	}
	return &KeyService{
		client: client,
		logger: logger.With(slog.String("service", "keys")),
	}
}

// Certificate returns the application certificate, fetching it on a miss.
func (s *KeyService) Certificate(ctx context.Context) ([]byte, error) {
	return s.client.Certificates().Get(ctx)
}

// CertificateStatus returns the certificate cache state.
func (s *KeyService) CertificateStatus() license.CertificateStats {
	return s.client.Certificates().Stats()
}

// ResetCertificate drops the cached certificate.
func (s *KeyService) ResetCertificate(ctx context.Context) license.CertificateStats {
	s.client.Certificates().Reset(ctx)
	return s.client.Certificates().Stats()
}

// Exchange sends a host generated payload for requestURI and returns the
// license service's response.
func (s *KeyService) Exchange(ctx context.Context, requestURI string, payload []byte) (*license.KeyResponse, error) {
	resp, err := s.client.WithGenerator(license.StaticPayload(payload)).HandleKeyRequest(ctx, requestURI)
	if err != nil {
		return nil, err
	}
	s.logger.DebugContext(ctx, "key exchange completed",
		slog.String("request_id", resp.RequestID),
		slog.Int("response_bytes", len(resp.Payload)))
	return resp, nil
}

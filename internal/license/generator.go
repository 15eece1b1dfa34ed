package license

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

// DefaultProtocolVersion is the only key request protocol version in use.
const DefaultProtocolVersion = 1

// PayloadGenerator is the host DRM engine. Given the application
// certificate and the content identifier it produces the opaque key
// request payload sent to the license service.
type PayloadGenerator interface {
	GeneratePayload(ctx context.Context, certificate []byte, contentID ContentIdentifier, protocolVersion int) ([]byte, error)
}

// PayloadGeneratorFunc adapts a function to PayloadGenerator.
type PayloadGeneratorFunc func(ctx context.Context, certificate []byte, contentID ContentIdentifier, protocolVersion int) ([]byte, error)

func (f PayloadGeneratorFunc) GeneratePayload(ctx context.Context, certificate []byte, contentID ContentIdentifier, protocolVersion int) ([]byte, error) {
	return f(ctx, certificate, contentID, protocolVersion)
}

// StaticPayload returns a generator for a payload the host produced out of
// band. The payload is handed out once; a second call fails.
func StaticPayload(payload []byte) PayloadGenerator {
	used := false
	return PayloadGeneratorFunc(func(context.Context, []byte, ContentIdentifier, int) ([]byte, error) {
		if used {
			return nil, errors.New("payload already consumed")
		}
		used = true
		return payload, nil
	})
}

// PayloadEnvelope is written as JSON to a CommandGenerator's stdin. Byte
// fields are base64 encoded.
type PayloadEnvelope struct {
	Certificate     []byte            `json:"certificate"`
	ContentID       ContentIdentifier `json:"content_id"`
	ProtocolVersion int               `json:"protocol_version"`
}

// CommandGenerator runs an external program that wraps the platform DRM
// engine. The program reads a PayloadEnvelope on stdin and writes the raw
// payload to stdout. A non-zero exit status is a generation failure.
type CommandGenerator struct {
	Path string
	Args []string
	Env  []string
}

func (g CommandGenerator) GeneratePayload(ctx context.Context, certificate []byte, contentID ContentIdentifier, protocolVersion int) ([]byte, error) {
	if g.Path == "" {
		return nil, errors.New("generator command is not configured")
	}

	envelope, err := json.Marshal(PayloadEnvelope{
		Certificate:     certificate,
		ContentID:       contentID,
		ProtocolVersion: protocolVersion,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode generator input: %w", err)
	}

	cmd := exec.CommandContext(ctx, g.Path, g.Args...)
	if len(g.Env) > 0 {
		cmd.Env = append(cmd.Environ(), g.Env...)
	}
	cmd.Stdin = bytes.NewReader(envelope)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return nil, fmt.Errorf("%s: %w: %s", g.Path, err, msg)
		}
		return nil, fmt.Errorf("%s: %w", g.Path, err)
	}

	return stdout.Bytes(), nil
}

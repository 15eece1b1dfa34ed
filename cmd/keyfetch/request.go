package main

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"keybroker/internal/license"
)

// generatorFlags select how the payload for a key request is produced.
type generatorFlags struct {
	spcFile string
	command string
	args    []string
}

func (g *generatorFlags) register(cmd *cobra.Command, allowFile bool) {
	if allowFile {
		cmd.Flags().StringVar(&g.spcFile, "spc-file", "", "file holding a payload generated out of band")
	}
	cmd.Flags().StringVar(&g.command, "generator-cmd", "", "program that reads the certificate envelope on stdin and writes the payload to stdout")
	cmd.Flags().StringArrayVar(&g.args, "generator-arg", nil, "argument passed to --generator-cmd (repeatable)")
}

func (g *generatorFlags) generator() (license.PayloadGenerator, error) {
	switch {
	case g.spcFile != "" && g.command != "":
		return nil, errors.New("--spc-file and --generator-cmd are mutually exclusive")
	case g.spcFile != "":
		payload, err := os.ReadFile(g.spcFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read payload: %w", err)
		}
		return license.StaticPayload(payload), nil
	case g.command != "":
		return license.CommandGenerator{Path: g.command, Args: g.args}, nil
	}
	return nil, errors.New("a payload source is required: --spc-file or --generator-cmd")
}

// exchangeResult is printed for every key request keyfetch runs.
type exchangeResult struct {
	URI        string `json:"uri"`
	RequestID  string `json:"request_id,omitempty"`
	ContentID  string `json:"content_id,omitempty"`
	Response   []byte `json:"response,omitempty"`
	ErrorKind  string `json:"error_kind,omitempty"`
	StatusCode int    `json:"status_code,omitempty"`
	Error      string `json:"error,omitempty"`
}

func newExchangeResult(uri string, resp *license.KeyResponse, err error) exchangeResult {
	result := exchangeResult{URI: uri}
	if err != nil {
		result.ErrorKind = license.KindOf(err).String()
		result.StatusCode = license.StatusCodeOf(err)
		result.Error = err.Error()
		return result
	}
	result.RequestID = resp.RequestID
	result.ContentID = resp.ContentID.String()
	result.Response = resp.Payload
	return result
}

func newRequestCmd(opts *rootOptions) *cobra.Command {
	var (
		gen     generatorFlags
		outFile string
	)

	cmd := &cobra.Command{
		Use:   "request <key-uri>",
		Short: "Run one key request against the license service",
		Long: `Run one key request for a key request URI such as skd://host/path.

The payload comes from --spc-file or from --generator-cmd. The license
response is written raw to --out; without --out it is printed base64
encoded inside a JSON result.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			generator, err := gen.generator()
			if err != nil {
				return err
			}

			client, err := opts.licenseClient(license.WithPayloadGenerator(generator))
			if err != nil {
				return err
			}

			resp, err := client.HandleKeyRequest(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("key request failed (%s): %w", license.KindOf(err), err)
			}

			if outFile != "" {
				if err := os.WriteFile(outFile, resp.Payload, 0o600); err != nil {
					return fmt.Errorf("failed to write license response: %w", err)
				}
				fmt.Fprintf(opts.errOut, "wrote %d bytes to %s\n", len(resp.Payload), outFile)
				return nil
			}

			enc := json.NewEncoder(opts.out)
			enc.SetIndent("", "  ")
			return enc.Encode(newExchangeResult(args[0], resp, nil))
		},
	}

	gen.register(cmd, true)
	cmd.Flags().StringVarP(&outFile, "out", "o", "", "file to write the raw license response to")
	return cmd
}

// encodeResponse is the base64 form used in text output.
func encodeResponse(b []byte) string {
	return base64.StdEncoding.EncodeToString(b)
}

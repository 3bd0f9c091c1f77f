package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/MicahParks/jwkset"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/ekaya-inc/ekaya-provenance/pkg/ledger"
	"github.com/ekaya-inc/ekaya-provenance/pkg/models"
	"github.com/ekaya-inc/ekaya-provenance/pkg/signing"
)

const maxJWKSBytes = 1 << 20

// certificateResult is printed by verify-certificate.
type certificateResult struct {
	CertificateID uuid.UUID `json:"certificate_id"`
	Valid         bool      `json:"valid"`
	KeyID         string    `json:"key_id"`
	Algorithm     string    `json:"algorithm"`
	Reason        string    `json:"reason,omitempty"`
}

func newVerifyCertificateCmd(a *app) *cobra.Command {
	var jwksSource string

	cmd := &cobra.Command{
		Use:   "verify-certificate [flags] CERT_FILE",
		Short: "Verify a decision certificate signature against a published key set",
		Long: `Verify a decision certificate signature against a published key set.

CERT_FILE holds the certificate JSON as returned by the API. Use "-" to read
it from stdin. --jwks takes either an https URL (usually the service's
/.well-known/jwks.json) or a local file.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if jwksSource == "" {
				return errors.New("--jwks is required")
			}
			raw, err := a.readInput(args[0])
			if err != nil {
				return fmt.Errorf("read certificate: %w", err)
			}
			var cert models.DecisionCertificate
			if err := json.Unmarshal(raw, &cert); err != nil {
				return fmt.Errorf("decode certificate: %w", err)
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), a.timeout)
			defer cancel()
			keys, err := a.loadKeys(ctx, jwksSource)
			if err != nil {
				return err
			}

			result := certificateResult{
				CertificateID: cert.ID,
				Valid:         true,
				KeyID:         cert.KeyID,
				Algorithm:     cert.Algorithm,
			}
			if err := signing.VerifyCertificate(&cert, keys); err != nil {
				if !errors.Is(err, signing.ErrInvalidSignature) {
					return err
				}
				result.Valid = false
				result.Reason = err.Error()
			}
			if err := a.print(result); err != nil {
				return err
			}
			if !result.Valid {
				return errVerificationFailed
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&jwksSource, "jwks", "", "JWKS URL or file")
	return cmd
}

// loadKeys reads a JWK set from an http(s) URL or a file path.
func (a *app) loadKeys(ctx context.Context, source string) (map[string]jwkset.JWK, error) {
	var raw []byte
	if strings.HasPrefix(source, "http://") || strings.HasPrefix(source, "https://") {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, source, nil)
		if err != nil {
			return nil, fmt.Errorf("build jwks request: %w", err)
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			return nil, fmt.Errorf("fetch jwks: %w", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("fetch jwks: unexpected status %d", resp.StatusCode)
		}
		raw, err = io.ReadAll(io.LimitReader(resp.Body, maxJWKSBytes))
		if err != nil {
			return nil, fmt.Errorf("read jwks: %w", err)
		}
	} else {
		var err error
		raw, err = a.readInput(source)
		if err != nil {
			return nil, fmt.Errorf("read jwks: %w", err)
		}
	}

	var set jwkset.JWKSMarshal
	if err := json.Unmarshal(raw, &set); err != nil {
		return nil, fmt.Errorf("decode jwks: %w", err)
	}
	keys, err := signing.ParseJWKS(set)
	if err != nil {
		return nil, fmt.Errorf("parse jwks: %w", err)
	}
	if len(keys) == 0 {
		return nil, errors.New("jwks contains no keys")
	}
	return keys, nil
}

func newVerifyChainCmd(a *app) *cobra.Command {
	var (
		afterSeq  int64
		afterHash string
	)

	cmd := &cobra.Command{
		Use:   "verify-chain [flags] EVENTS_FILE",
		Short: "Replay an exported ledger segment and check its hash links",
		Long: `Replay an exported ledger segment and check its hash links.

EVENTS_FILE is either a JSON array of ledger events or a page from
GET /api/tenants/{tid}/ledger/events. Use "-" to read from stdin. A segment
that does not start at the genesis event needs --after-seq and --after-hash
describing the event before it.`,
		Args: cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			if afterSeq < 0 {
				return errors.New("--after-seq must not be negative")
			}
			if afterSeq > 0 && afterHash == "" {
				return errors.New("--after-hash is required when --after-seq is set")
			}
			raw, err := a.readInput(args[0])
			if err != nil {
				return fmt.Errorf("read events: %w", err)
			}
			events, err := decodeEvents(raw)
			if err != nil {
				return err
			}

			result := ledger.VerifyEvents(events, afterSeq, afterHash)
			if len(events) > 0 {
				result.TenantID = events[0].TenantID
			}
			if err := a.print(result); err != nil {
				return err
			}
			if !result.Valid {
				return errVerificationFailed
			}
			return nil
		},
	}
	cmd.Flags().Int64Var(&afterSeq, "after-seq", 0, "sequence number of the event preceding the segment")
	cmd.Flags().StringVar(&afterHash, "after-hash", "", "hash of the event preceding the segment")
	return cmd
}

// decodeEvents accepts a bare array or an API page with an "events" field.
func decodeEvents(raw []byte) ([]models.LedgerEvent, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return nil, errors.New("events input is empty")
	}
	if trimmed[0] == '[' {
		var events []models.LedgerEvent
		if err := json.Unmarshal(trimmed, &events); err != nil {
			return nil, fmt.Errorf("decode events: %w", err)
		}
		return events, nil
	}
	var page struct {
		Events []models.LedgerEvent `json:"events"`
	}
	if err := json.Unmarshal(trimmed, &page); err != nil {
		return nil, fmt.Errorf("decode events page: %w", err)
	}
	return page.Events, nil
}

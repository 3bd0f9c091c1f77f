package models

import (
	"time"

	"github.com/google/uuid"
)

// CertificateVersion is the schema tag embedded in every signed payload.
const CertificateVersion = "dcert-v1"

// DecisionCertificate binds a decision to its ledger entry with a signature.
// Immutable once stored; one per (tenant, upload).
type DecisionCertificate struct {
	ID            uuid.UUID `json:"certificate_id"`
	TenantID      uuid.UUID `json:"tenant_id"`
	UploadID      uuid.UUID `json:"upload_id"`
	PolicyVersion string    `json:"policy_version"`
	InputsHash    string    `json:"inputs_hash"`
	OutputsHash   string    `json:"outputs_hash"`
	LedgerHash    string    `json:"ledger_hash"`
	LedgerSeq     int64     `json:"ledger_seq"`
	IssuedAt      time.Time `json:"issued_at"`
	KeyID         string    `json:"key_id"`
	Algorithm     string    `json:"algorithm"`
	Signature     string    `json:"signature"`
}

// CertificatePayload is the exact structure that is canonicalised and signed.
type CertificatePayload struct {
	Version       string    `json:"version"`
	CertificateID uuid.UUID `json:"certificate_id"`
	TenantID      uuid.UUID `json:"tenant_id"`
	UploadID      uuid.UUID `json:"upload_id"`
	PolicyVersion string    `json:"policy_version"`
	InputsHash    string    `json:"inputs_hash"`
	OutputsHash   string    `json:"outputs_hash"`
	LedgerHash    string    `json:"ledger_hash"`
	IssuedAt      time.Time `json:"issued_at"`
	KeyID         string    `json:"key_id"`
	Algorithm     string    `json:"algorithm"`
}

// Payload returns the signed portion of the certificate.
func (c *DecisionCertificate) Payload() CertificatePayload {
	return CertificatePayload{
		Version:       CertificateVersion,
		CertificateID: c.ID,
		TenantID:      c.TenantID,
		UploadID:      c.UploadID,
		PolicyVersion: c.PolicyVersion,
		InputsHash:    c.InputsHash,
		OutputsHash:   c.OutputsHash,
		LedgerHash:    c.LedgerHash,
		IssuedAt:      c.IssuedAt.UTC(),
		KeyID:         c.KeyID,
		Algorithm:     c.Algorithm,
	}
}

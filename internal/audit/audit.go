// Package audit implements a deterministic canonical serialization of each
// audit record, signed RS256 over its SHA-256 digest. Records written with
// no key configured are left unsigned; verification reports those as
// unsigned, not invalid.
package audit

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"sort"

	"github.com/lestrrat-go/jwx/v2/jwk"

	"github.com/relaykit/orchestrate/internal/store"
)

// Algorithm is the fixed signature scheme used for audit records.
const Algorithm = "RS256"

// VerifyStatus is the three-way outcome of verifying a record.
type VerifyStatus string

const (
	VerifyValid    VerifyStatus = "valid"
	VerifyInvalid  VerifyStatus = "invalid"
	VerifyUnsigned VerifyStatus = "unsigned"
)

// Signer signs and verifies audit records. A zero-value Signer (no keys
// loaded) signs nothing, leaving every record unsigned.
type Signer struct {
	signerID string
	priv     *rsa.PrivateKey
	pub      *rsa.PublicKey
}

// NewSigner loads a PEM-encoded RSA private key (and derives its public
// key) using jwx's PEM parsing. An empty privPEM returns an unsigned
// Signer, a valid and supported configuration.
func NewSigner(signerID string, privPEM []byte) (*Signer, error) {
	if len(privPEM) == 0 {
		return &Signer{signerID: signerID}, nil
	}

	key, err := jwk.ParseKey(privPEM, jwk.WithPEM(true))
	if err != nil {
		return nil, fmt.Errorf("parse signing key: %w", err)
	}
	var raw any
	if err := key.Raw(&raw); err != nil {
		return nil, fmt.Errorf("extract raw signing key: %w", err)
	}
	priv, ok := raw.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("signing key is not RSA")
	}
	return &Signer{signerID: signerID, priv: priv, pub: &priv.PublicKey}, nil
}

// LoadPublicKey attaches a public key for verification-only use (e.g. a
// collaborating service that checks signatures but never signs).
func LoadPublicKey(signerID string, pubPEM []byte) (*Signer, error) {
	block, _ := pem.Decode(pubPEM)
	if block == nil {
		return nil, fmt.Errorf("decode public key PEM")
	}
	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse public key: %w", err)
	}
	rsaPub, ok := pub.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("public key is not RSA")
	}
	return &Signer{signerID: signerID, pub: rsaPub}, nil
}

// Sign clears r.Signature and, if a private key is configured, sets it to
// an RS256 signature over the record's canonical digest. It does not insert
// the record into the store — callers persist r afterwards.
func (s *Signer) Sign(r *store.AuditRecord) error {
	r.Signature = nil
	if s.priv == nil {
		return nil
	}

	digest, err := canonicalDigest(r)
	if err != nil {
		return fmt.Errorf("canonical digest: %w", err)
	}
	sig, err := rsa.SignPKCS1v15(rand.Reader, s.priv, crypto.SHA256, digest)
	if err != nil {
		return fmt.Errorf("sign record: %w", err)
	}

	r.Signature = &store.AuditSignature{
		Algorithm: Algorithm,
		Signer:    s.signerID,
		Value:     hex.EncodeToString(sig),
		Timestamp: r.LoggedAt,
	}
	return nil
}

// Verify re-serializes the record and checks its signature against the
// configured public key.
func (s *Signer) Verify(r *store.AuditRecord) (VerifyStatus, error) {
	if r.Signature == nil {
		return VerifyUnsigned, nil
	}
	if s.pub == nil {
		return VerifyUnsigned, nil
	}
	if r.Signature.Algorithm != Algorithm {
		return VerifyInvalid, fmt.Errorf("unsupported signature algorithm %q", r.Signature.Algorithm)
	}

	sig, err := hex.DecodeString(r.Signature.Value)
	if err != nil {
		return VerifyInvalid, fmt.Errorf("decode signature hex: %w", err)
	}

	digest, err := canonicalDigest(r)
	if err != nil {
		return VerifyInvalid, fmt.Errorf("canonical digest: %w", err)
	}
	if err := rsa.VerifyPKCS1v15(s.pub, crypto.SHA256, digest, sig); err != nil {
		return VerifyInvalid, nil
	}
	return VerifyValid, nil
}

// VerifyChain verifies every record in a run's audit trail, in order,
// returning the status of each alongside the record's audit_uuid.
func (s *Signer) VerifyChain(records []*store.AuditRecord) (map[string]VerifyStatus, error) {
	out := make(map[string]VerifyStatus, len(records))
	for _, r := range records {
		status, err := s.Verify(r)
		if err != nil {
			return nil, fmt.Errorf("verify record %s: %w", r.AuditUUID, err)
		}
		out[r.AuditUUID] = status
	}
	return out, nil
}

// canonicalDigest recursively sorts object keys and serializes to a
// stable byte form before hashing, so the signature does not depend on
// map iteration order or field order at construction time.
func canonicalDigest(r *store.AuditRecord) ([]byte, error) {
	fields := map[string]any{
		"audit_uuid":  r.AuditUUID,
		"run_id":      r.RunID,
		"stage_id":    r.StageID,
		"agent_id":    r.AgentID,
		"action":      r.Action,
		"status":      r.Status,
		"input_hash":  r.InputHash,
		"output_hash": r.OutputHash,
		"logged_at":   r.LoggedAt.UTC().Format("2006-01-02T15:04:05.000000000Z"),
	}
	canon, err := canonicalize(fields)
	if err != nil {
		return nil, err
	}
	sum := sha256.Sum256(canon)
	return sum[:], nil
}

// canonicalize serializes v to JSON with object keys sorted recursively,
// matching the "recursively sort object keys" requirement.
func canonicalize(v any) ([]byte, error) {
	normalized, err := sortValue(v)
	if err != nil {
		return nil, err
	}
	return json.Marshal(normalized)
}

func sortValue(v any) (any, error) {
	switch val := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		ordered := make([]orderedField, 0, len(keys))
		for _, k := range keys {
			sorted, err := sortValue(val[k])
			if err != nil {
				return nil, err
			}
			ordered = append(ordered, orderedField{key: k, value: sorted})
		}
		return orderedFields(ordered), nil
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			sorted, err := sortValue(item)
			if err != nil {
				return nil, err
			}
			out[i] = sorted
		}
		return out, nil
	default:
		return val, nil
	}
}

type orderedField struct {
	key   string
	value any
}

type orderedFields []orderedField

// MarshalJSON emits fields in the slice's order, which sortValue has
// already sorted by key, giving a deterministic byte sequence regardless
// of the source map's iteration order.
func (o orderedFields) MarshalJSON() ([]byte, error) {
	buf := []byte{'{'}
	for i, f := range o {
		if i > 0 {
			buf = append(buf, ',')
		}
		key, err := json.Marshal(f.key)
		if err != nil {
			return nil, err
		}
		val, err := json.Marshal(f.value)
		if err != nil {
			return nil, err
		}
		buf = append(buf, key...)
		buf = append(buf, ':')
		buf = append(buf, val...)
	}
	buf = append(buf, '}')
	return buf, nil
}

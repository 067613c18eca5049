package audit

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"testing"
	"time"

	"github.com/relaykit/orchestrate/internal/store"
)

func generateTestKeyPEM(t *testing.T) []byte {
	t.Helper()
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	der, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		t.Fatalf("marshal key: %v", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})
}

func sampleRecord() *store.AuditRecord {
	return &store.AuditRecord{
		AuditUUID: "audit-1",
		RunID:     "run-1",
		StageID:   "stage-1",
		AgentID:   "agent-1",
		Action:    store.AuditActionExecute,
		Status:    "completed",
		InputHash: "deadbeef",
		LoggedAt:  time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

func TestSignAndVerifyRoundTrip(t *testing.T) {
	signer, err := NewSigner("platform-1", generateTestKeyPEM(t))
	if err != nil {
		t.Fatalf("new signer: %v", err)
	}

	r := sampleRecord()
	if err := signer.Sign(r); err != nil {
		t.Fatalf("sign: %v", err)
	}
	if r.Signature == nil || r.Signature.Algorithm != Algorithm {
		t.Fatalf("expected RS256 signature, got %+v", r.Signature)
	}

	status, err := signer.Verify(r)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if status != VerifyValid {
		t.Fatalf("expected valid, got %s", status)
	}
}

func TestVerifyDetectsTampering(t *testing.T) {
	signer, err := NewSigner("platform-1", generateTestKeyPEM(t))
	if err != nil {
		t.Fatalf("new signer: %v", err)
	}

	r := sampleRecord()
	if err := signer.Sign(r); err != nil {
		t.Fatalf("sign: %v", err)
	}
	r.Status = "failed"

	status, err := signer.Verify(r)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if status != VerifyInvalid {
		t.Fatalf("expected invalid after tampering, got %s", status)
	}
}

func TestUnsignedRecordReportsUnsigned(t *testing.T) {
	signer, err := NewSigner("platform-1", nil)
	if err != nil {
		t.Fatalf("new signer: %v", err)
	}

	r := sampleRecord()
	if err := signer.Sign(r); err != nil {
		t.Fatalf("sign: %v", err)
	}
	if r.Signature != nil {
		t.Fatalf("expected no signature, got %+v", r.Signature)
	}

	status, err := signer.Verify(r)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if status != VerifyUnsigned {
		t.Fatalf("expected unsigned, got %s", status)
	}
}

func TestVerifyChainOrdersByRecord(t *testing.T) {
	signer, err := NewSigner("platform-1", generateTestKeyPEM(t))
	if err != nil {
		t.Fatalf("new signer: %v", err)
	}

	r1 := sampleRecord()
	r2 := sampleRecord()
	r2.AuditUUID = "audit-2"
	r2.Action = store.AuditActionRetry

	for _, r := range []*store.AuditRecord{r1, r2} {
		if err := signer.Sign(r); err != nil {
			t.Fatalf("sign: %v", err)
		}
	}

	statuses, err := signer.VerifyChain([]*store.AuditRecord{r1, r2})
	if err != nil {
		t.Fatalf("verify chain: %v", err)
	}
	if statuses["audit-1"] != VerifyValid || statuses["audit-2"] != VerifyValid {
		t.Fatalf("expected both valid, got %+v", statuses)
	}
}

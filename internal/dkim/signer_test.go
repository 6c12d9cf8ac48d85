package dkim

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"
)

func TestGenerateAndSign(t *testing.T) {
	keyPath := filepath.Join(t.TempDir(), "keys", "mail.pem")

	record, err := GenerateKey(keyPath)
	if err != nil {
		t.Fatalf("GenerateKey() error = %v", err)
	}
	if !strings.HasPrefix(record, "v=DKIM1; k=rsa; p=") {
		t.Errorf("GenerateKey() record = %q", record)
	}

	signer, err := NewSignerFromFile(keyPath, "example.com", "mail")
	if err != nil {
		t.Fatalf("NewSignerFromFile() error = %v", err)
	}
	if signer.Domain() != "example.com" {
		t.Errorf("Domain() = %q, want example.com", signer.Domain())
	}

	msg := []byte("From: news@example.com\r\nTo: ada@example.org\r\nSubject: Hi\r\n\r\nHello\r\n")
	signed, err := signer.Sign(msg)
	if err != nil {
		t.Fatalf("Sign() error = %v", err)
	}
	if !bytes.HasPrefix(signed, []byte("DKIM-Signature:")) {
		t.Errorf("Sign() output does not start with DKIM-Signature: %q", signed[:40])
	}
	if !bytes.Contains(signed, []byte("d=example.com")) || !bytes.Contains(signed, []byte("s=mail")) {
		t.Error("signature is missing domain or selector")
	}
	if !bytes.HasSuffix(signed, msg) {
		t.Error("signed message must end with the original message")
	}
}

func TestNewSignerFromFileMissing(t *testing.T) {
	if _, err := NewSignerFromFile("/nonexistent/key.pem", "example.com", "mail"); err == nil {
		t.Error("NewSignerFromFile() expected error for missing file")
	}
}

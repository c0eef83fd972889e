package loader

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func pemEncodePublicKey(t *testing.T, pub ed25519.PublicKey) string {
	t.Helper()
	block := &pem.Block{Type: "PUBLIC KEY", Bytes: pub}
	return string(pem.EncodeToMemory(block))
}

func writeSidecar(t *testing.T, dir string, sigs []string) string {
	t.Helper()
	path := filepath.Join(dir, "module.wasm.sig")
	raw, err := json.Marshal(sidecarSignatures{Signatures: sigs})
	if err != nil {
		t.Fatalf("marshal sidecar: %v", err)
	}
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		t.Fatalf("write sidecar: %v", err)
	}
	return path
}

func TestVerifySignatures_QuorumMet(t *testing.T) {
	moduleBytes := []byte("module contents")
	pub1, priv1, _ := ed25519.GenerateKey(nil)
	pub2, priv2, _ := ed25519.GenerateKey(nil)

	tr, err := ParseTrustRoots([]string{pemEncodePublicKey(t, pub1), pemEncodePublicKey(t, pub2)})
	if err != nil {
		t.Fatalf("ParseTrustRoots: %v", err)
	}

	sig1 := base64.StdEncoding.EncodeToString(ed25519.Sign(priv1, moduleBytes))
	sig2 := base64.StdEncoding.EncodeToString(ed25519.Sign(priv2, moduleBytes))

	dir := t.TempDir()
	path := writeSidecar(t, dir, []string{sig1, sig2})

	if err := VerifySignatures(moduleBytes, path, tr, 2); err != nil {
		t.Fatalf("VerifySignatures: %v", err)
	}
}

func TestVerifySignatures_QuorumNotMet(t *testing.T) {
	moduleBytes := []byte("module contents")
	pub1, priv1, _ := ed25519.GenerateKey(nil)
	pub2, _, _ := ed25519.GenerateKey(nil)

	tr, err := ParseTrustRoots([]string{pemEncodePublicKey(t, pub1), pemEncodePublicKey(t, pub2)})
	if err != nil {
		t.Fatalf("ParseTrustRoots: %v", err)
	}

	sig1 := base64.StdEncoding.EncodeToString(ed25519.Sign(priv1, moduleBytes))

	dir := t.TempDir()
	path := writeSidecar(t, dir, []string{sig1})

	err = VerifySignatures(moduleBytes, path, tr, 2)
	if !errors.Is(err, ErrNotEnoughValidSignatures) {
		t.Fatalf("expected ErrNotEnoughValidSignatures, got %v", err)
	}
}

func TestVerifySignatures_ZeroQuorumSkipsCheck(t *testing.T) {
	if err := VerifySignatures([]byte("x"), "/does/not/exist", TrustRoots{}, 0); err != nil {
		t.Fatalf("expected nil error for zero quorum, got %v", err)
	}
}

func TestVerifySignatures_TamperedModuleFailsQuorum(t *testing.T) {
	pub, priv, _ := ed25519.GenerateKey(nil)
	tr, err := ParseTrustRoots([]string{pemEncodePublicKey(t, pub)})
	if err != nil {
		t.Fatalf("ParseTrustRoots: %v", err)
	}

	sig := base64.StdEncoding.EncodeToString(ed25519.Sign(priv, []byte("original")))
	dir := t.TempDir()
	path := writeSidecar(t, dir, []string{sig})

	err = VerifySignatures([]byte("tampered"), path, tr, 1)
	if !errors.Is(err, ErrNotEnoughValidSignatures) {
		t.Fatalf("expected ErrNotEnoughValidSignatures, got %v", err)
	}
}

func TestParseTrustRoots_RejectsInvalidPEM(t *testing.T) {
	_, err := ParseTrustRoots([]string{"not pem"})
	if err == nil {
		t.Fatalf("expected error for invalid PEM")
	}
}

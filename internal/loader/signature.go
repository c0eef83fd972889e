package loader

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
)

// ErrNotEnoughValidSignatures is returned when a module's sidecar signature
// file does not carry at least the configured quorum of signatures that
// verify against a configured trust root.
var ErrNotEnoughValidSignatures = errors.New("loader: not enough valid signatures")

// sidecarSignatures is the sidecar file format: one base64-encoded Ed25519
// signature per trusted signer, over the raw module bytes.
type sidecarSignatures struct {
	Signatures []string `json:"signatures"`
}

// TrustRoots holds the Ed25519 public keys signatures are checked against.
type TrustRoots struct {
	keys []ed25519.PublicKey
}

// ParseTrustRoots decodes each PEM-encoded Ed25519 public key in pemBlocks.
func ParseTrustRoots(pemBlocks []string) (TrustRoots, error) {
	var tr TrustRoots
	for _, block := range pemBlocks {
		key, err := parseEd25519PublicKeyPEM(block)
		if err != nil {
			return TrustRoots{}, err
		}
		tr.keys = append(tr.keys, key)
	}
	return tr, nil
}

func parseEd25519PublicKeyPEM(s string) (ed25519.PublicKey, error) {
	block, _ := pem.Decode([]byte(s))
	if block == nil {
		return nil, fmt.Errorf("loader: trust root is not valid PEM")
	}
	if len(block.Bytes) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("loader: trust root is not an ed25519 public key")
	}
	return ed25519.PublicKey(block.Bytes), nil
}

// VerifySignatures checks a sidecar signature file (JSON, as produced by
// sidecarSignatures) against tr, requiring at least quorum signatures that
// each verify against a distinct trust root. Returns ErrNotEnoughValidSignatures
// if the quorum is not met.
func VerifySignatures(moduleBytes []byte, sidecarPath string, tr TrustRoots, quorum int) error {
	if quorum <= 0 {
		return nil
	}
	raw, err := os.ReadFile(sidecarPath)
	if err != nil {
		return fmt.Errorf("loader: read signature sidecar: %w", err)
	}
	var sidecar sidecarSignatures
	if err := json.Unmarshal(raw, &sidecar); err != nil {
		return fmt.Errorf("loader: parse signature sidecar: %w", err)
	}

	usedRoot := make([]bool, len(tr.keys))
	valid := 0
	for _, sigB64 := range sidecar.Signatures {
		sig, err := base64.StdEncoding.DecodeString(sigB64)
		if err != nil {
			continue
		}
		for i, key := range tr.keys {
			if usedRoot[i] {
				continue
			}
			if ed25519.Verify(key, moduleBytes, sig) {
				usedRoot[i] = true
				valid++
				break
			}
		}
	}
	if valid < quorum {
		return fmt.Errorf("%w: got %d, need %d", ErrNotEnoughValidSignatures, valid, quorum)
	}
	return nil
}

package manifest

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"

	"bookalign/internal/canonjson"
)

// Fingerprint is the content hash governing stage idempotence. Digest is
// the pinned formula:
//
//	sha256(canonjson(inputs) + "\n" + canonjson(params) + "\n" + canonjson(toolVersions))
//
// computed over the raw canonical-JSON blobs, so any conformant
// implementation reproduces it. InputHash and ParamsHash are per-part
// diagnostics for pinpointing what changed between runs; they do not feed
// into Digest.
type Fingerprint struct {
	Digest       string            `json:"digest"`
	InputHash    string            `json:"inputHash"`
	ParamsHash   string            `json:"paramsHash"`
	ToolVersions map[string]string `json:"toolVersions"`
}

// NewFingerprint computes the fingerprint for (inputs, params, toolVersions).
// Serialization goes through canonical JSON, so key order never matters.
func NewFingerprint(inputs map[string]string, params any, toolVersions map[string]string) (*Fingerprint, error) {
	if toolVersions == nil {
		toolVersions = map[string]string{}
	}
	inputsJSON, err := canonjson.Marshal(inputs)
	if err != nil {
		return nil, fmt.Errorf("canonicalize inputs: %w", err)
	}
	paramsJSON, err := canonjson.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("canonicalize params: %w", err)
	}
	toolsJSON, err := canonjson.Marshal(toolVersions)
	if err != nil {
		return nil, fmt.Errorf("canonicalize tool versions: %w", err)
	}

	h := sha256.New()
	h.Write(inputsJSON)
	h.Write([]byte("\n"))
	h.Write(paramsJSON)
	h.Write([]byte("\n"))
	h.Write(toolsJSON)

	return &Fingerprint{
		Digest:       hex.EncodeToString(h.Sum(nil)),
		InputHash:    hashBytes(inputsJSON),
		ParamsHash:   hashBytes(paramsJSON),
		ToolVersions: toolVersions,
	}, nil
}

// Sum returns the combined digest.
func (f *Fingerprint) Sum() string {
	return f.Digest
}

// Equal reports whether two fingerprints match exactly.
func (f *Fingerprint) Equal(other *Fingerprint) bool {
	if f == nil || other == nil {
		return false
	}
	if f.Digest != other.Digest {
		return false
	}
	if len(f.ToolVersions) != len(other.ToolVersions) {
		return false
	}
	for k, v := range f.ToolVersions {
		if other.ToolVersions[k] != v {
			return false
		}
	}
	return true
}

func hashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// HashFile returns the hex SHA256 of a file's contents.
func HashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hash %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

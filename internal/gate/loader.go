package gate

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// LoadedPolicy is a policy read from disk with the hash of its file bytes.
type LoadedPolicy struct {
	Policy   Policy
	FileHash string
	Path     string
}

// LoadPolicy reads and validates a YAML policy file. Unknown keys are
// rejected so a typo cannot silently fall back to a default.
func LoadPolicy(path string) (LoadedPolicy, error) {
	// #nosec G304 -- path comes from operator-configured policy path.
	data, err := os.ReadFile(path)
	if err != nil {
		return LoadedPolicy{}, fmt.Errorf("read policy: %w", err)
	}

	p, err := ParsePolicy(data)
	if err != nil {
		return LoadedPolicy{}, fmt.Errorf("policy %s: %w", path, err)
	}

	sum := sha256.Sum256(data)
	return LoadedPolicy{
		Policy:   p,
		FileHash: "sha256:" + hex.EncodeToString(sum[:]),
		Path:     path,
	}, nil
}

// ParsePolicy decodes and validates YAML policy bytes. A document that only
// names a preset (name: n_of_m, required_sources: 3) gets the preset defaults.
func ParsePolicy(data []byte) (Policy, error) {
	var p Policy
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&p); err != nil {
		return Policy{}, fmt.Errorf("%w: decode: %w", ErrPolicy, err)
	}

	if p.RequiredSources == 0 {
		switch p.Name {
		case PresetTwoSource:
			p.RequiredSources = TwoSource().RequiredSources
		case PresetSingleSource:
			p.RequiredSources = SingleSource().RequiredSources
		}
	}
	p = p.normalized()

	if err := p.Validate(); err != nil {
		return Policy{}, err
	}
	return p, nil
}

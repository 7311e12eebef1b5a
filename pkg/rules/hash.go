package rules

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"
)

// CanonicalJSON returns the RFC 8785 canonical encoding of v. Equal values
// encode to equal bytes regardless of map iteration order. Numbers go
// through float64, so 1 and 1.0 encode identically and integers beyond 2^53
// lose precision. Cache fingerprints tag values by type before calling it.
func CanonicalJSON(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal: %w", err)
	}
	out, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("canonicalize: %w", err)
	}
	return out, nil
}

// DefinitionHash identifies the rule definition. Two rules with the same
// definition hash behave identically, so re-registering one keeps cached
// results valid.
func (r *Rule) DefinitionHash() (string, error) {
	b, err := CanonicalJSON(r)
	if err != nil {
		return "", fmt.Errorf("hash rule %q: %w", r.Name, err)
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

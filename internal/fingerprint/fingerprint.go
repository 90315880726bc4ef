// Package fingerprint derives the stable identity used to collapse duplicate
// alert occurrences into a single alert.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"

	"github.com/meridianbank/alertpipeline/internal/alert"
)

// sep keeps field boundaries distinct so ("ab","c") and ("a","bc") cannot
// produce the same digest.
const sep = "\x1f"

// New computes the fingerprint of a fact from its semantic key fields:
// kind, subject type, subject ID and title. Facts that agree on those four
// fields are the same alert by definition, regardless of description or
// attributes.
func New(fact alert.Fact) string {
	h := sha256.New()
	h.Write([]byte(fact.Kind))
	h.Write([]byte(sep))
	h.Write([]byte(fact.SubjectType))
	h.Write([]byte(sep))
	h.Write([]byte(fact.SubjectID))
	h.Write([]byte(sep))
	h.Write([]byte(fact.Title))
	return hex.EncodeToString(h.Sum(nil))
}

// Package placeholder synthesizes deterministic stand-in company ids for
// rows no tier could resolve.
package placeholder

import (
	"crypto/hmac"
	"crypto/sha256"
	"strings"

	"github.com/rotisserie/eris"
)

const (
	// DefaultPrefix marks an id as synthetic.
	DefaultPrefix = "TMP"

	// EmptySeed is the sentinel seed for rows without a usable name.
	EmptySeed = "__EMPTY__"

	// BodyLength is the number of encoded characters after the prefix.
	BodyLength = 16
)

// alphabet omits 0/O, 1/I/L and U so ids survive being read aloud or
// retyped.
const alphabet = "23456789ABCDEFGHJKMNPQRSTVWXYZ"

// Generator produces placeholder ids keyed by a secret salt. The zero value
// is not usable; call New.
type Generator struct {
	salt   []byte
	prefix string
}

// New creates a Generator. The salt must be non-empty.
func New(salt, prefix string) (*Generator, error) {
	if salt == "" {
		return nil, eris.New("placeholder: salt is required")
	}
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Generator{salt: []byte(salt), prefix: prefix}, nil
}

// Prefix returns the reserved prefix of generated ids.
func (g *Generator) Prefix() string {
	return g.prefix
}

// Generate returns prefix + 16 characters derived from HMAC-SHA256(salt,
// seed). An empty seed is replaced by EmptySeed.
func (g *Generator) Generate(seed string) string {
	if seed == "" {
		seed = EmptySeed
	}
	mac := hmac.New(sha256.New, g.salt)
	mac.Write([]byte(seed))
	sum := mac.Sum(nil)

	var b strings.Builder
	b.Grow(len(g.prefix) + BodyLength)
	b.WriteString(g.prefix)
	for i := 0; i < BodyLength; i++ {
		b.WriteByte(alphabet[int(sum[i])%len(alphabet)])
	}
	return b.String()
}

// IsPlaceholder reports whether id has the shape of a generated id for
// prefix.
func IsPlaceholder(id, prefix string) bool {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	body, ok := strings.CutPrefix(id, prefix)
	if !ok || len(body) != BodyLength {
		return false
	}
	for i := 0; i < len(body); i++ {
		if strings.IndexByte(alphabet, body[i]) < 0 {
			return false
		}
	}
	return true
}

// IsPlaceholder reports whether id was produced by a generator with g's
// prefix.
func (g *Generator) IsPlaceholder(id string) bool {
	return IsPlaceholder(id, g.prefix)
}

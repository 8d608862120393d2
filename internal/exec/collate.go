package exec

import (
	"golang.org/x/text/collate"
	"golang.org/x/text/language"

	"github.com/latticedb/lattice/internal/storage/value"
)

// DefaultCollator orders VARCHAR values for ORDER BY and secondary-index
// keys (internal/engine's index maintenance calls CollatedVarcharKey for
// the latter). spec.md's domain-stack wiring calls for locale-aware
// collation rather than Go's byte-wise string <, defaulting to
// language.Und (root-locale ordering, which is not byte order: "a" sorts
// before "B") since spec.md
// names no specific locale. A deployment that needs a different locale
// can replace this package variable before opening the engine.
var DefaultCollator = collate.New(language.Und)

// compareForSort orders two Values the way Sort needs: collated for a
// VARCHAR/VARCHAR pair, value.Compare's total order otherwise (handles
// NULL and every other kind, which the collator has no opinion on).
func compareForSort(a, b value.Value) (int, error) {
	if a.Kind == value.Varchar && b.Kind == value.Varchar {
		return DefaultCollator.CompareString(a.S, b.S), nil
	}
	return value.Compare(a, b)
}

// CollatedVarcharKey returns the collation-ordered sort key bytes for s,
// suitable as a B+Tree key component: comparing two such keys
// byte-for-byte agrees with DefaultCollator.CompareString on the
// originals, which raw UTF-8 bytes do not guarantee for every locale.
func CollatedVarcharKey(s string) []byte {
	var buf collate.Buffer
	return DefaultCollator.Key(&buf, []byte(s))
}

package symbols

import (
	"crypto/sha256"
	"encoding/base32"
	"strings"
	"sync"

	"github.com/wippyai/wasm-aot/errors"
)

// Prefix namespaces every symbol of one compiled module.
type Prefix string

// HashChars is the number of base32 characters kept from the content hash
// (60 bits).
const HashChars = 12

var hashEncoding = base32.NewEncoding("abcdefghijklmnopqrstuvwxyz234567").WithPadding(base32.NoPadding)

// PrefixFor derives the prefix for a module. A non-empty override is used
// verbatim once it passes the format grammar; otherwise the prefix is "w"
// followed by the truncated base32 sha256 of identity, which is always a
// legal identifier.
func PrefixFor(identity []byte, override string, g Grammar) (Prefix, error) {
	if override != "" {
		if err := g.ValidPrefix(override); err != nil {
			return "", err
		}
		return Prefix(override), nil
	}
	sum := sha256.Sum256(identity)
	return Prefix("w" + hashEncoding.EncodeToString(sum[:])[:HashChars]), nil
}

// Prefixer memoizes prefixes for the modules of one build so that every
// symbol of a module shares one prefix. It is safe for concurrent use.
type Prefixer struct {
	grammar Grammar
	byID    map[[sha256.Size]byte]Prefix
	owners  map[Prefix][sha256.Size]byte
	mu      sync.Mutex
}

// NewPrefixer creates a memo for one build.
func NewPrefixer(g Grammar) *Prefixer {
	return &Prefixer{
		grammar: g,
		byID:    make(map[[sha256.Size]byte]Prefix),
		owners:  make(map[Prefix][sha256.Size]byte),
	}
}

// For returns the memoized prefix for identity. Two different modules
// asking for the same override fail, since their symbols would collide.
func (p *Prefixer) For(identity []byte, override string) (Prefix, error) {
	key := sha256.Sum256(identity)

	p.mu.Lock()
	defer p.mu.Unlock()

	if prefix, ok := p.byID[key]; ok {
		if override != "" && Prefix(override) != prefix {
			return "", errors.InvalidInput(errors.PhaseCompile,
				"module already named "+string(prefix)+", cannot rename to "+override)
		}
		return prefix, nil
	}
	prefix, err := PrefixFor(identity, override, p.grammar)
	if err != nil {
		return "", err
	}
	if owner, taken := p.owners[prefix]; taken && owner != key {
		return "", errors.InvalidInput(errors.PhaseCompile, "symbol prefix "+string(prefix)+" is already used by another module")
	}
	p.byID[key] = prefix
	p.owners[prefix] = key
	return prefix, nil
}

// Len returns the number of distinct modules seen.
func (p *Prefixer) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.byID)
}

// isReservedPrefix reports prefixes that belong to the runtime or the host
// import namespace.
func isReservedPrefix(s string) bool {
	return s == RuntimePrefix || s == HostPrefix || strings.HasPrefix(s, RuntimePrefix+"_")
}

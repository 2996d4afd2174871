package cache

import (
	"encoding/hex"
	"strings"

	contractvm "github.com/forgechain/contractvm"
	"github.com/forgechain/contractvm/config"
)

// keyScheme versions the key layout itself. Bump it and every old entry
// becomes unreachable rather than misread.
const keyScheme = "cvm1"

// Key identifies one compiled artifact: what code, under which config, for
// which backend. Any input that changes compilation output is part of the
// key, so stale entries are impossible by construction.
type Key struct {
	CodeHash contractvm.CodeHash
	ConfigID config.ID
	Backend  config.BackendKind
}

// String renders the key in its stable serialized form:
// cvm1|<code hash hex>|<config id hex>|<backend>.
func (k Key) String() string {
	var b strings.Builder
	b.Grow(len(keyScheme) + 3 + 2*contractvm.HashLen + 2*len(k.ConfigID) + 12)
	b.WriteString(keyScheme)
	b.WriteByte('|')
	b.WriteString(hex.EncodeToString(k.CodeHash[:]))
	b.WriteByte('|')
	b.WriteString(k.ConfigID.String())
	b.WriteByte('|')
	b.WriteString(k.Backend.String())
	return b.String()
}

// Bytes returns the serialized key for use as a storage key.
func (k Key) Bytes() []byte {
	return []byte(k.String())
}

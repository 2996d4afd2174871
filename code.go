package contractvm

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
)

// HashLen is the length of a code hash in bytes.
const HashLen = 32

// CodeHash is the content-derived identity of deployed contract code:
// the SHA-256 digest of the raw bytecode.
type CodeHash [HashLen]byte

func (h CodeHash) String() string {
	return hex.EncodeToString(h[:])
}

// Bytes returns the hash as a byte slice.
func (h CodeHash) Bytes() []byte {
	return h[:]
}

// NewCodeHash creates a CodeHash from a byte slice.
// Returns an error if the slice length is not HashLen.
func NewCodeHash(b []byte) (CodeHash, error) {
	if len(b) != HashLen {
		return CodeHash{}, errors.New("got wrong number of bytes for code hash")
	}
	var h CodeHash
	copy(h[:], b)
	return h, nil
}

// ContractCode is an immutable deployed contract: raw WASM bytes plus their
// content-derived identity. A new deployment is a new ContractCode with a
// new hash; code is never updated in place.
type ContractCode struct {
	bytes []byte
	hash  CodeHash
}

// NewContractCode wraps raw bytecode and computes its identity.
func NewContractCode(wasm []byte) *ContractCode {
	return &ContractCode{
		bytes: wasm,
		hash:  sha256.Sum256(wasm),
	}
}

// Bytes returns the raw bytecode. Callers must not mutate it.
func (c *ContractCode) Bytes() []byte {
	return c.bytes
}

// Hash returns the code identity.
func (c *ContractCode) Hash() CodeHash {
	return c.hash
}

// Package hasher provides the content digests used for identifying
// expressions, actions, blobs and trees. The concrete algorithm is an
// implementation detail; consumers only rely on digests being fixed-length
// and deterministic.
package hasher

import (
	"crypto/sha256"
	"encoding/hex"
	"hash"
)

// Size is the length of a digest in bytes.
const Size = sha256.Size

// Digest is a fixed-length content digest.
type Digest []byte

// Bytes returns the raw digest bytes.
func (d Digest) Bytes() []byte { return d }

// Hex returns the lowercase hex encoding of the digest.
func (d Digest) Hex() string { return hex.EncodeToString(d) }

// Run computes the digest of data in one shot.
func Run(data []byte) Digest {
	sum := sha256.Sum256(data)
	return sum[:]
}

// RunString computes the digest of a string in one shot.
func RunString(data string) Digest {
	return Run([]byte(data))
}

// Hasher is the incremental variant of Run. The zero value is not usable;
// construct instances with New.
type Hasher struct {
	h hash.Hash
}

// New returns a fresh incremental hasher.
func New() *Hasher {
	return &Hasher{h: sha256.New()}
}

// Update feeds more data into the hasher.
func (h *Hasher) Update(data []byte) {
	// sha256 writes never fail; the signature exists for the hash.Hash
	// contract only.
	_, _ = h.h.Write(data)
}

// UpdateString feeds a string into the hasher.
func (h *Hasher) UpdateString(data string) {
	h.Update([]byte(data))
}

// Finalize returns the digest of everything fed so far. The hasher must not
// be used afterwards.
func (h *Hasher) Finalize() (Digest, error) {
	return h.h.Sum(nil), nil
}

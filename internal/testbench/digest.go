package testbench

import (
	"encoding/binary"
	"encoding/hex"
	"hash"

	"golang.org/x/crypto/sha3"
)

// Digest is an order-sensitive fingerprint of a stream. Comparing the
// producer's and the consumer's digest catches loss, duplication and
// reordering without keeping the stream in memory.
type Digest struct {
	h   hash.Hash
	buf [8]byte
	n   int64
}

func NewDigest() *Digest {
	return &Digest{h: sha3.New256()}
}

// Uint64 adds one element.
func (d *Digest) Uint64(v uint64) {
	binary.LittleEndian.PutUint64(d.buf[:], v)
	d.h.Write(d.buf[:])
	d.n++
}

// Bytes adds one element given as raw bits.
func (d *Digest) Bytes(b []byte) {
	binary.LittleEndian.PutUint64(d.buf[:], uint64(len(b)))
	d.h.Write(d.buf[:])
	d.h.Write(b)
	d.n++
}

// Count returns the number of elements added.
func (d *Digest) Count() int64 { return d.n }

// Sum returns the hex digest of everything added so far.
func (d *Digest) Sum() string {
	return hex.EncodeToString(d.h.Sum(nil))
}

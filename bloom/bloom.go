// Package bloom implements the membership filter attached to sealed index segments.
package bloom

import (
	"encoding/binary"
	"math"

	"github.com/minio/highwayhash"
)

var hashKey = []byte("blobstore-bloom-0123456789abcdef")

// minProbability bounds the filter size when a caller asks for no false positives at all.
const minProbability = 1e-9

// Filter is a classic bloom filter using double hashing over a 128 bit
// highwayhash digest. It never reports false negatives.
type Filter struct {
	bits []uint64
	m    uint64 // number of bits
	k    uint32 // number of probes
}

// New sizes a filter for n keys at false positive probability p.
// p >= 1 yields a filter that answers true for everything.
func New(n int, p float64) *Filter {
	if n < 1 {
		n = 1
	}
	if p >= 1 {
		return &Filter{m: 0, k: 0}
	}
	if p < minProbability {
		p = minProbability
	}

	m := math.Ceil(-float64(n) * math.Log(p) / (math.Ln2 * math.Ln2))
	if m < 64 {
		m = 64
	}
	k := math.Round(m / float64(n) * math.Ln2)
	if k < 1 {
		k = 1
	}
	words := (uint64(m) + 63) / 64
	return &Filter{
		bits: make([]uint64, words),
		m:    words * 64,
		k:    uint32(k),
	}
}

// FromBits rebuilds a filter from its persisted form.
func FromBits(bits []uint64, k uint32) *Filter {
	return &Filter{
		bits: bits,
		m:    uint64(len(bits)) * 64,
		k:    k,
	}
}

func hashes(key []byte) (uint64, uint64) {
	sum := highwayhash.Sum128(key, hashKey)
	return binary.LittleEndian.Uint64(sum[:8]), binary.LittleEndian.Uint64(sum[8:])
}

func (f *Filter) Add(key []byte) {
	if f.m == 0 {
		return
	}
	h1, h2 := hashes(key)
	for i := uint32(0); i < f.k; i++ {
		bit := (h1 + uint64(i)*h2) % f.m
		f.bits[bit/64] |= 1 << (bit % 64)
	}
}

// MayContain returns false only when key was never added.
func (f *Filter) MayContain(key []byte) bool {
	if f.m == 0 {
		return true
	}
	h1, h2 := hashes(key)
	for i := uint32(0); i < f.k; i++ {
		bit := (h1 + uint64(i)*h2) % f.m
		if f.bits[bit/64]&(1<<(bit%64)) == 0 {
			return false
		}
	}
	return true
}

func (f *Filter) Bits() []uint64 { return f.bits }

func (f *Filter) K() uint32 { return f.k }

// SizeBytes is the memory held by the bit array.
func (f *Filter) SizeBytes() int { return len(f.bits) * 8 }

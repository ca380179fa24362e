package tempcache

import (
	"encoding/binary"
	"errors"
	"math"

	"golang.org/x/crypto/blake2b"
)

var errEmptyState = errors.New("empty state vector")

// fingerprint is a fixed-size summary of a state tensor: the tensor is
// deterministically down-sampled to size values, L2-normalized, and a
// digest of the whole sampled vector is kept for a cheap equality
// pre-check.
type fingerprint struct {
	vec    []float32
	digest [32]byte
}

// newFingerprint samples the state with a fixed stride so the same
// tensor always yields the same vector.
func newFingerprint(state []float32, size int) (fingerprint, error) {
	if len(state) == 0 {
		return fingerprint{}, errEmptyState
	}
	if size <= 0 {
		size = 64
	}
	if size > len(state) {
		size = len(state)
	}

	vec := make([]float32, size)
	for i := 0; i < size; i++ {
		vec[i] = state[i*len(state)/size]
	}

	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	norm = math.Sqrt(norm)
	if norm > 0 {
		for i := range vec {
			vec[i] = float32(float64(vec[i]) / norm)
		}
	}

	return fingerprint{vec: vec, digest: digestOf(vec)}, nil
}

// digestOf hashes every value of the normalized vector, so digest
// equality implies bit-identical fingerprints and the similarity check
// may report 1.0 without a dot product. A hash collision is the only
// way two distinct vectors share a digest, which blake2b makes
// negligible.
func digestOf(vec []float32) [32]byte {
	buf := make([]byte, len(vec)*4)
	for i, v := range vec {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return blake2b.Sum256(buf)
}

// cosine returns the cosine similarity of two L2-normalized vectors of
// equal length, which reduces to their dot product.
func cosine(a, b []float32) float64 {
	if len(a) != len(b) {
		return 0
	}
	var dot float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
	}
	return dot
}

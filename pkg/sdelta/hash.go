package sdelta

const hashBase = 257

// rollingHash is a Rabin-Karp polynomial hash over a fixed window. Arithmetic
// wraps modulo 2^64, which keeps rolling exact without a modulus.
type rollingHash struct {
	window int
	pow    uint64 // hashBase^(window-1)
	sum    uint64
}

func newRollingHash(window int) *rollingHash {
	pow := uint64(1)
	for i := 0; i < window-1; i++ {
		pow *= hashBase
	}
	return &rollingHash{window: window, pow: pow}
}

// reset hashes block from scratch. len(block) must equal the window.
func (r *rollingHash) reset(block []byte) uint64 {
	r.sum = hashBlock(block)
	return r.sum
}

// roll drops out from the front of the window and appends in.
func (r *rollingHash) roll(out, in byte) uint64 {
	r.sum = (r.sum-uint64(out)*r.pow)*hashBase + uint64(in)
	return r.sum
}

func hashBlock(block []byte) uint64 {
	var h uint64
	for _, b := range block {
		h = h*hashBase + uint64(b)
	}
	return h
}

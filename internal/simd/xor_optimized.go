package simd

import "crypto/subtle"

// 低于这个长度直接逐字节处理
const minVectorLen = 64

// minPatternLen 短密钥会被展开到至少这个长度，减少 XORBytes 的调用次数
const minPatternLen = 256

// XORRepeating xors data in place with key repeated indefinitely,
// data[0] lining up with key[offset % len(key)].
// Large buffers go through crypto/subtle.XORBytes, which is vectorized on amd64/arm64.
func XORRepeating(data []byte, key []byte, offset int) {
	keyLen := len(key)
	if len(data) == 0 || keyLen == 0 {
		return
	}
	start := offset % keyLen

	if len(data) < minVectorLen {
		for i := range data {
			data[i] ^= key[(start+i)%keyLen]
		}
		return
	}

	// 以 start 为起点旋转密钥，并展开为 keyLen 的整数倍
	patternLen := keyLen * max(1, (minPatternLen+keyLen-1)/keyLen)
	pattern := make([]byte, patternLen)
	for i := range pattern {
		pattern[i] = key[(start+i)%keyLen]
	}

	for len(data) >= patternLen {
		subtle.XORBytes(data[:patternLen], data[:patternLen], pattern)
		data = data[patternLen:]
	}
	subtle.XORBytes(data, data, pattern[:len(data)])
}

// XORByte xors every byte of data with mask.
func XORByte(data []byte, mask byte) {
	XORRepeating(data, []byte{mask}, 0)
}

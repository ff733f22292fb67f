package ncm

import (
	"context"

	"golang.org/x/sync/errgroup"

	"unlock-music.dev/ncm/internal/simd"
)

// KeyBox 由文件密钥生成的 0..255 置换表
type KeyBox [256]byte

// NewKeyBox runs the RC4 style key schedule over key.
// The second swap index is the running accumulator, and key bytes are reused cyclically.
// An empty key leaves the identity permutation.
func NewKeyBox(key []byte) *KeyBox {
	box := new(KeyBox)
	for i := range box {
		box[i] = byte(i)
	}
	if len(key) == 0 {
		return box
	}

	var last byte
	keyOffset := 0
	for i := range box {
		swap := box[i]
		last = swap + last + key[keyOffset]
		keyOffset++
		if keyOffset >= len(key) {
			keyOffset = 0
		}
		box[i] = box[last]
		box[last] = swap
	}
	return box
}

// Keystream returns the key byte for audio position i.
// It only depends on (i+1) mod 256, no cipher state is carried between bytes.
func (b *KeyBox) Keystream(i int) byte {
	j := byte(i + 1)
	a := b[j]
	return b[a+b[a+j]]
}

// table 展开成按位置索引的256字节密钥流
func (b *KeyBox) table() (t [256]byte) {
	for i := range t {
		t[i] = b.Keystream(i)
	}
	return
}

// XOR writes src xor keystream into dst, src[0] being the audio byte at offset.
// dst must be at least as long as src; dst and src may overlap exactly.
func (b *KeyBox) XOR(dst, src []byte, offset int) {
	t := b.table()
	for i, v := range src {
		dst[i] = v ^ t[(offset+i)&0xff]
	}
}

type ncmCipher struct {
	stream [256]byte
}

func newNcmCipher(key []byte) *ncmCipher {
	return &ncmCipher{stream: NewKeyBox(key).table()}
}

// Decrypt xors buf in place, buf[0] being the audio byte at offset.
func (c *ncmCipher) Decrypt(buf []byte, offset int) {
	simd.XORRepeating(buf, c.stream[:], offset)
}

// 并发解密时每个分片的最小长度
const minParallelChunk = 256 * 1024

// DecryptParallel decrypts buf in place by splitting it across workers goroutines.
// The result is identical to Decrypt. ctx is only checked between chunks.
func (c *ncmCipher) DecryptParallel(ctx context.Context, buf []byte, offset int, workers int) error {
	if workers <= 1 || len(buf) < 2*minParallelChunk {
		c.Decrypt(buf, offset)
		return nil
	}

	chunk := (len(buf) + workers - 1) / workers
	if chunk < minParallelChunk {
		chunk = minParallelChunk
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for start := 0; start < len(buf); start += chunk {
		end := min(start+chunk, len(buf))
		part, partOffset := buf[start:end], offset+start
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			c.Decrypt(part, partOffset)
			return nil
		})
	}
	return g.Wait()
}

package ncm

import (
	"bytes"
	"crypto/aes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"
)

// 测试用的编码器，是解码流程的逆过程

func encryptKeyPlain(t testing.TB, plain []byte) []byte {
	t.Helper()
	block, err := aes.NewCipher(coreKey)
	require.NoError(t, err)

	pad := aes.BlockSize - len(plain)%aes.BlockSize
	buf := append(bytes.Clone(plain), bytes.Repeat([]byte{byte(pad)}, pad)...)
	for i := 0; i < len(buf); i += aes.BlockSize {
		block.Encrypt(buf[i:i+aes.BlockSize], buf[i:i+aes.BlockSize])
	}
	for i := range buf {
		buf[i] ^= keyBlobMask
	}
	return buf
}

func encodeKeyBlob(t testing.TB, keyMaterial []byte) []byte {
	return encryptKeyPlain(t, append([]byte(keyTag), keyMaterial...))
}

type testContainer struct {
	keyBlob []byte
	meta    []byte
	image   []byte
	audio   []byte // already encrypted
}

func (c testContainer) bytes() []byte {
	var buf bytes.Buffer
	buf.Write(magicHeader)
	buf.Write([]byte{0x01, 0x70})
	writeSection(&buf, c.keyBlob)
	writeSection(&buf, c.meta)
	buf.Write([]byte{0xde, 0xad, 0xbe, 0xef, 0x01, 0x02, 0x03, 0x04, 0x05})
	writeSection(&buf, c.image)
	buf.Write(c.audio)
	return buf.Bytes()
}

func writeSection(buf *bytes.Buffer, data []byte) {
	_ = binary.Write(buf, binary.LittleEndian, uint32(len(data)))
	buf.Write(data)
}

func encryptAudio(keyMaterial, plain []byte) []byte {
	out := make([]byte, len(plain))
	NewKeyBox(keyMaterial).XOR(out, plain, 0)
	return out
}

// encodeNCM builds a complete container holding plain encrypted with keyMaterial.
func encodeNCM(t testing.TB, keyMaterial, plain, meta, image []byte) []byte {
	return testContainer{
		keyBlob: encodeKeyBlob(t, keyMaterial),
		meta:    meta,
		image:   image,
		audio:   encryptAudio(keyMaterial, plain),
	}.bytes()
}

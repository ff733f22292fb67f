package ncm

import (
	"crypto/aes"

	"unlock-music.dev/ncm/internal/simd"
)

// coreKey 是网易云客户端内置的 AES-128 密钥 "hzHRAmso5kInbaxW"，用于解密每个文件的 RC4 密钥
var coreKey = []byte{
	0x68, 0x7A, 0x48, 0x52, 0x41, 0x6D, 0x73, 0x6F,
	0x35, 0x6B, 0x49, 0x6E, 0x62, 0x61, 0x78, 0x57,
}

const (
	// keyBlobMask 密钥区段的简单异或混淆
	keyBlobMask = 0x64

	// keyTag 解密后的密钥以固定的 "neteasecloudmusic" 开头
	keyTag    = "neteasecloudmusic"
	keyTagLen = len(keyTag)
)

// RecoverKey turns the key section of a container into the RC4 key material.
// blob is not modified.
//
// The blob is unmasked, zero padded to the AES block size, decrypted block by
// block (ECB, no IV), stripped of its PKCS#7 trailer and of the 17 byte tag.
// A trailer byte outside 1..16 leaves the buffer as is, matching the official
// client which tolerates slightly damaged keys.
func RecoverKey(blob []byte) ([]byte, error) {
	block, err := aes.NewCipher(coreKey)
	if err != nil {
		return nil, &CipherSetupError{Err: err}
	}

	bs := block.BlockSize()
	buf := make([]byte, (len(blob)+bs-1)/bs*bs)
	copy(buf, blob)
	simd.XORByte(buf[:len(blob)], keyBlobMask)
	for i := 0; i < len(buf); i += bs {
		block.Decrypt(buf[i:i+bs], buf[i:i+bs])
	}

	buf = trimPKCS7(buf, bs)
	if len(buf) < keyTagLen {
		return nil, ErrKeyTooShort
	}
	return buf[keyTagLen:], nil
}

func trimPKCS7(buf []byte, blockSize int) []byte {
	if len(buf) == 0 {
		return buf
	}
	n := int(buf[len(buf)-1])
	if n < 1 || n > blockSize || n > len(buf) {
		return buf
	}
	return buf[:len(buf)-n]
}

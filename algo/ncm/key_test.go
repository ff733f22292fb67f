package ncm

import (
	"bytes"
	"crypto/aes"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fixtureKeyBlob 是密钥 "123456789" 的密钥区段，由 openssl aes-128-ecb 独立计算
const fixtureKeyBlob = "2cced5eb69eafb14550d45bf61dd171dadb9a093e70f8a1774d3460b2b5942c8"

func TestEncodeKeyBlobMatchesFixture(t *testing.T) {
	assert.Equal(t, fixtureKeyBlob, hex.EncodeToString(encodeKeyBlob(t, []byte("123456789"))))
}

func TestRecoverKey(t *testing.T) {
	blob, err := hex.DecodeString(fixtureKeyBlob)
	require.NoError(t, err)
	orig := bytes.Clone(blob)

	key, err := RecoverKey(blob)
	require.NoError(t, err)
	assert.Equal(t, []byte("123456789"), key)
	assert.Equal(t, orig, blob, "input must not be modified")

	again, err := RecoverKey(blob)
	require.NoError(t, err)
	assert.Equal(t, key, again)
}

func TestRecoverKeyLongKey(t *testing.T) {
	material := []byte("156006451621E7fT49x7dof9OKCgg9cdvhEuezy3iZCL1nFvBFd1T4uSktAJKmwZXsijPbijliionVUXXg9plTbXEclAE9Lb")
	key, err := RecoverKey(encodeKeyBlob(t, material))
	require.NoError(t, err)
	assert.Equal(t, material, key)
}

func TestRecoverKeyAllMaskBlock(t *testing.T) {
	// 16个0字节异或后是全0x64，解密结果的末字节0x34超出填充范围，不做去除
	block, err := aes.NewCipher(coreKey)
	require.NoError(t, err)
	plain := make([]byte, 16)
	block.Decrypt(plain, bytes.Repeat([]byte{0x64}, 16))
	assert.Equal(t, "78f4d0c48624b122b8e16bb13621b534", hex.EncodeToString(plain))

	_, err = RecoverKey(make([]byte, 16))
	assert.ErrorIs(t, err, ErrKeyTooShort)
}

func TestRecoverKeyTooShort(t *testing.T) {
	tests := []struct {
		name string
		blob []byte
	}{
		{name: "空区段", blob: nil},
		{name: "去填充后1字节", blob: encryptKeyPlain(t, []byte("n"))},
		{name: "去填充后12字节", blob: encryptKeyPlain(t, []byte("neteasecloud"))},
		{name: "去填充后16字节", blob: encryptKeyPlain(t, []byte("neteasecloudmusi"))},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			key, err := RecoverKey(tt.blob)
			assert.Nil(t, key)
			assert.ErrorIs(t, err, ErrKeyTooShort)
		})
	}
}

func TestRecoverKeyTagOnly(t *testing.T) {
	// 只有标签没有密钥，不是错误，会得到单位置换
	key, err := RecoverKey(encodeKeyBlob(t, nil))
	require.NoError(t, err)
	assert.Empty(t, key)
}

func TestRecoverKeyUnalignedBlob(t *testing.T) {
	blob, err := hex.DecodeString(fixtureKeyBlob)
	require.NoError(t, err)
	// 截断成非16整数倍，补零后仍然能解出前缀
	blob = blob[:20]

	var first, second []byte
	assert.NotPanics(t, func() {
		first, _ = RecoverKey(blob)
		second, _ = RecoverKey(blob)
	})
	assert.Equal(t, first, second)
}

func TestTrimPKCS7(t *testing.T) {
	base := bytes.Repeat([]byte{0x41}, 15)
	tests := []struct {
		name    string
		trailer byte
		wantLen int
	}{
		{name: "0不去除", trailer: 0, wantLen: 16},
		{name: "1", trailer: 1, wantLen: 15},
		{name: "3", trailer: 3, wantLen: 13},
		{name: "16全部去除", trailer: 16, wantLen: 0},
		{name: "17超出范围", trailer: 17, wantLen: 16},
		{name: "0xff超出范围", trailer: 0xff, wantLen: 16},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := append(bytes.Clone(base), tt.trailer)
			assert.Len(t, trimPKCS7(buf, 16), tt.wantLen)
		})
	}

	assert.Empty(t, trimPKCS7(nil, 16))
	// 填充长度大于数据长度时不去除
	assert.Len(t, trimPKCS7([]byte{0x05, 0x05}, 16), 2)
}

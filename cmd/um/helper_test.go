package main

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"unlock-music.dev/ncm/algo/ncm"
	"unlock-music.dev/ncm/internal/metrics"
)

// 密钥 "123456789" 对应的密钥区段
const testKeyBlob = "2cced5eb69eafb14550d45bf61dd171dadb9a093e70f8a1774d3460b2b5942c8"

var testKeyMaterial = []byte("123456789")

// flacAudio 只有 STREAMINFO 的最小 FLAC 流
func flacAudio() []byte {
	var buf bytes.Buffer
	buf.WriteString("fLaC")
	buf.Write([]byte{0x80, 0x00, 0x00, 34})
	buf.Write(make([]byte, 34))
	buf.Write([]byte{0xff, 0xf8, 0x69, 0x18, 0x00, 0x00, 0xbf, 0x03})
	return buf.Bytes()
}

func buildNCM(t testing.TB, plain, image []byte) []byte {
	t.Helper()
	keyBlob, err := hex.DecodeString(testKeyBlob)
	require.NoError(t, err)

	var buf bytes.Buffer
	buf.WriteString("CTENFDAM")
	buf.Write([]byte{0x01, 0x70})
	writeSection(&buf, keyBlob)
	writeSection(&buf, nil)
	buf.Write(make([]byte, 9))
	writeSection(&buf, image)

	audio := make([]byte, len(plain))
	ncm.NewKeyBox(testKeyMaterial).XOR(audio, plain, 0)
	buf.Write(audio)
	return buf.Bytes()
}

func writeSection(buf *bytes.Buffer, data []byte) {
	_ = binary.Write(buf, binary.LittleEndian, uint32(len(data)))
	buf.Write(data)
}

func writeFile(t testing.TB, path string, data []byte) string {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, data, 0644))
	return path
}

func newTestProcessor(logger *zap.Logger, inputDir, outputDir string) processor {
	return processor{
		logger:          logger,
		inputDir:        inputDir,
		outputDir:       outputDir,
		skipNoopDecoder: true,
		workers:         2,
		metrics:         metrics.New(),
	}
}

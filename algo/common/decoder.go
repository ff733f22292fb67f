package common

import (
	"context"
	"io"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
)

type StreamDecoder interface {
	Decrypt(buf []byte, offset int)
}

type Decoder interface {
	Validate() error
	io.Reader
}

type CoverImageGetter interface {
	GetCoverImage(ctx context.Context) ([]byte, error)
}

type AudioMeta interface {
	GetArtists() []string
	GetTitle() string
	GetAlbum() string
}

type AudioMetaGetter interface {
	GetAudioMeta(ctx context.Context) (AudioMeta, error)
}

type DecoderParams struct {
	Reader    io.ReadSeeker // required
	Extension string        // required, source extension, eg. .mp3

	FilePath string // optional, source file path

	// Parallelism 单个文件解码时使用的 goroutine 数，<= 0 表示按 CPU 数
	Parallelism int

	Logger *zap.Logger // required
}

type NewDecoderFunc func(p *DecoderParams) Decoder

type DecoderFactory struct {
	noop   bool
	Suffix string
	Create NewDecoderFunc
}

var DecoderRegistry []DecoderFactory

func RegisterDecoder(ext string, noop bool, dispatchFunc NewDecoderFunc) {
	DecoderRegistry = append(DecoderRegistry,
		DecoderFactory{noop: noop, Create: dispatchFunc, Suffix: "." + strings.TrimPrefix(ext, ".")},
	)
}

// GetDecoder 按文件后缀匹配解码器，后缀比较不区分大小写
func GetDecoder(filename string, skipNoop bool) (rs []DecoderFactory) {
	prefix := strings.ToLower(filepath.Base(filename))
	for _, dec := range DecoderRegistry {
		if !strings.HasSuffix(prefix, dec.Suffix) {
			continue
		}
		if skipNoop && dec.noop {
			continue
		}
		rs = append(rs, dec)
	}
	return
}

// SupportedExtensions 返回已注册的全部后缀（含点号，去重）
func SupportedExtensions() []string {
	seen := make(map[string]struct{}, len(DecoderRegistry))
	var exts []string
	for _, dec := range DecoderRegistry {
		if _, ok := seen[dec.Suffix]; ok {
			continue
		}
		seen[dec.Suffix] = struct{}{}
		exts = append(exts, dec.Suffix)
	}
	return exts
}

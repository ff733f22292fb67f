package ncm

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"runtime"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"

	"unlock-music.dev/ncm/algo/common"
)

// Result 单个文件的解码结果
type Result struct {
	Audio []byte
	// Cover is the raw image section, nil when the file carries none.
	// It aliases the input buffer.
	Cover  []byte
	Layout *Container
}

type decodeOptions struct {
	workers int
}

type Option func(*decodeOptions)

// WithParallelism splits the audio payload across n goroutines. n <= 1 decodes sequentially.
func WithParallelism(n int) Option {
	return func(o *decodeOptions) {
		o.workers = n
	}
}

// Decode converts a whole .ncm file into the embedded audio track.
func Decode(container []byte) ([]byte, error) {
	res, err := DecodeFile(context.Background(), container)
	if err != nil {
		return nil, err
	}
	return res.Audio, nil
}

// DecodeFile is Decode with options and access to the parsed layout.
// raw is only read; the returned audio is a fresh buffer of the payload length.
func DecodeFile(ctx context.Context, raw []byte, opts ...Option) (*Result, error) {
	o := decodeOptions{workers: 1}
	for _, opt := range opts {
		opt(&o)
	}

	layout, err := ParseContainer(raw)
	if err != nil {
		return nil, err
	}

	key, err := RecoverKey(layout.Key.Bytes(raw))
	if err != nil {
		return nil, err
	}

	audio := make([]byte, layout.Audio.Length)
	copy(audio, layout.Audio.Bytes(raw))
	if err := newNcmCipher(key).DecryptParallel(ctx, audio, 0, o.workers); err != nil {
		return nil, fmt.Errorf("ncm decrypt audio: %w", err)
	}

	res := &Result{Audio: audio, Layout: layout}
	if layout.Image.Length > 0 {
		res.Cover = layout.Image.Bytes(raw)
	}
	return res, nil
}

type Decoder struct {
	rd          io.ReadSeeker
	logger      *zap.Logger
	filePath    string
	parallelism int

	result *Result
	audio  *bytes.Reader
}

func NewDecoder(p *common.DecoderParams) common.Decoder {
	logger := p.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	parallelism := p.Parallelism
	if parallelism <= 0 {
		parallelism = runtime.NumCPU()
	}
	return &Decoder{rd: p.Reader, logger: logger, filePath: p.FilePath, parallelism: parallelism}
}

// rawBytes 由整块加载到内存的读取器实现（例如 mmap），直接使用其底层数据
type rawBytes interface {
	Bytes() []byte
}

// Validate loads the whole container and decodes it.
// Read serves the decrypted audio afterwards.
func (d *Decoder) Validate() error {
	raw, err := d.readAll()
	if err != nil {
		return err
	}

	d.result, err = DecodeFile(context.Background(), raw, WithParallelism(d.parallelism))
	if err != nil {
		return err
	}
	d.audio = bytes.NewReader(d.result.Audio)

	d.logger.Debug("ncm decoded",
		zap.String("audio", humanize.IBytes(uint64(len(d.result.Audio)))),
		zap.Int("audioOffset", d.result.Layout.Audio.Offset),
		zap.Int("coverSize", len(d.result.Cover)),
	)
	return nil
}

func (d *Decoder) readAll() ([]byte, error) {
	if rb, ok := d.rd.(rawBytes); ok {
		return rb.Bytes(), nil
	}
	if _, err := d.rd.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("ncm seek to start: %w", err)
	}
	raw, err := io.ReadAll(d.rd)
	if err != nil {
		return nil, fmt.Errorf("ncm read file: %w", err)
	}
	return raw, nil
}

func (d *Decoder) Read(buf []byte) (int, error) {
	if d.audio == nil {
		return 0, fmt.Errorf("ncm: Read called before Validate")
	}
	return d.audio.Read(buf)
}

// Audio returns the whole decrypted track. Valid after Validate.
func (d *Decoder) Audio() []byte {
	if d.result == nil {
		return nil
	}
	return d.result.Audio
}

// GetCoverImage returns the embedded image section as stored, without interpreting it.
func (d *Decoder) GetCoverImage(_ context.Context) ([]byte, error) {
	if d.result == nil {
		return nil, fmt.Errorf("ncm: GetCoverImage called before Validate")
	}
	if d.result.Cover == nil {
		return nil, fmt.Errorf("ncm: no cover image")
	}
	return d.result.Cover, nil
}

// GetAudioMeta derives title and artists from the source file name.
// The metadata section of the container is not interpreted.
func (d *Decoder) GetAudioMeta(_ context.Context) (common.AudioMeta, error) {
	if d.filePath == "" {
		return nil, fmt.Errorf("ncm: no source file path")
	}
	return common.ParseFilenameMeta(d.filePath), nil
}

func init() {
	// Netease Cloud Music
	common.RegisterDecoder("ncm", false, NewDecoder)
}

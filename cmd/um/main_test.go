package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/go-flac/flacvorbis"
	"github.com/go-flac/go-flac"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"unlock-music.dev/ncm/internal/history"
)

func TestProcessFile(t *testing.T) {
	ctx := context.Background()
	plainMP3 := bytes.Repeat([]byte("not a known header "), 8)

	tests := []struct {
		name    string
		file    string
		plain   []byte
		wantOut string
	}{
		{"FLAC输出", "周杰伦 - 晴天.ncm", flacAudio(), "周杰伦 - 晴天.flac"},
		{"大写后缀", "Taylor Swift - Love Story.NCM", flacAudio(), "Taylor Swift - Love Story.flac"},
		{"未知格式回退mp3", "song.ncm", plainMP3, "song.mp3"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in, out := t.TempDir(), t.TempDir()
			src := writeFile(t, filepath.Join(in, tt.file), buildNCM(t, tt.plain, nil))
			p := newTestProcessor(zaptest.NewLogger(t), in, out)

			res, err := p.processFile(ctx, src)
			require.NoError(t, err)
			assert.False(t, res.Skipped)
			assert.Equal(t, filepath.Join(out, tt.wantOut), res.Output)

			got, err := os.ReadFile(res.Output)
			require.NoError(t, err)
			assert.Equal(t, tt.plain, got)
		})
	}
}

func TestProcessFileExistingOutput(t *testing.T) {
	ctx := context.Background()
	in, out := t.TempDir(), t.TempDir()
	src := writeFile(t, filepath.Join(in, "a.ncm"), buildNCM(t, flacAudio(), nil))
	dst := writeFile(t, filepath.Join(out, "a.flac"), []byte("old"))

	p := newTestProcessor(zaptest.NewLogger(t), in, out)
	res, err := p.processFile(ctx, src)
	require.NoError(t, err)
	assert.True(t, res.Skipped)
	got, _ := os.ReadFile(dst)
	assert.Equal(t, "old", string(got))

	p.overwriteOutput = true
	p.removeSource = true
	res, err = p.processFile(ctx, src)
	require.NoError(t, err)
	assert.False(t, res.Skipped)
	got, _ = os.ReadFile(dst)
	assert.Equal(t, flacAudio(), got)
	assert.NoFileExists(t, src)
}

func TestProcessFileErrors(t *testing.T) {
	ctx := context.Background()
	in := t.TempDir()
	p := newTestProcessor(zaptest.NewLogger(t), in, in)

	_, err := p.processFile(ctx, writeFile(t, filepath.Join(in, "a.mp3"), []byte("x")))
	assert.ErrorIs(t, err, errNoDecoder)

	_, err = p.processFile(ctx, writeFile(t, filepath.Join(in, "bad.ncm"), []byte("CTENFDAM")))
	assert.Error(t, err)

	canceled, cancel := context.WithCancel(ctx)
	cancel()
	_, err = p.processFile(canceled, writeFile(t, filepath.Join(in, "ok.ncm"), buildNCM(t, flacAudio(), nil)))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestProcessFileUpdateMetadata(t *testing.T) {
	in, out := t.TempDir(), t.TempDir()
	src := writeFile(t, filepath.Join(in, "周杰伦 - 晴天.ncm"), buildNCM(t, flacAudio(), nil))

	p := newTestProcessor(zaptest.NewLogger(t), in, out)
	p.updateMetadata = true
	res, err := p.processFile(context.Background(), src)
	require.NoError(t, err)

	f, err := flac.ParseFile(res.Output)
	require.NoError(t, err)
	var found bool
	for _, b := range f.Meta {
		if b.Type != flac.VorbisComment {
			continue
		}
		found = true
		cmt, err := flacvorbis.ParseFromMetaDataBlock(*b)
		require.NoError(t, err)
		title, err := cmt.Get(flacvorbis.FIELD_TITLE)
		require.NoError(t, err)
		assert.Equal(t, []string{"晴天"}, title)
	}
	assert.True(t, found)
}

func TestProcessFileHistory(t *testing.T) {
	ctx := context.Background()
	in, out := t.TempDir(), t.TempDir()
	src := writeFile(t, filepath.Join(in, "a.ncm"), buildNCM(t, flacAudio(), nil))

	ledger, err := history.Open(ctx, filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	defer ledger.Close()

	p := newTestProcessor(zaptest.NewLogger(t), in, out)
	p.history = ledger

	res, err := p.processFile(ctx, src)
	require.NoError(t, err)
	assert.False(t, res.Skipped)

	// 输出被删除后，历史记录仍然跳过未变化的源文件
	require.NoError(t, os.Remove(res.Output))
	again, err := p.processFile(ctx, src)
	require.NoError(t, err)
	assert.True(t, again.Skipped)
	assert.Equal(t, res.Output, again.Output)
	assert.NoFileExists(t, res.Output)
}

func TestProcessDir(t *testing.T) {
	in, out := t.TempDir(), t.TempDir()
	writeFile(t, filepath.Join(in, "a.ncm"), buildNCM(t, flacAudio(), nil))
	writeFile(t, filepath.Join(in, "sub", "b.ncm"), buildNCM(t, flacAudio(), []byte{0xff, 0xd8, 0xff, 0xe0}))
	writeFile(t, filepath.Join(in, "sub", "notes.txt"), []byte("ignored"))
	writeFile(t, filepath.Join(in, "broken.ncm"), []byte("not an ncm file"))

	core, logs := observer.New(zapcore.InfoLevel)
	p := newTestProcessor(zap.New(core), in, out)
	err := p.processDir(context.Background(), in)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "last error")

	assert.FileExists(t, filepath.Join(out, "a.flac"))
	assert.FileExists(t, filepath.Join(out, "sub", "b.flac"))
	assert.NoFileExists(t, filepath.Join(out, "sub", "notes.txt"))

	snap := p.metrics.GetSnapshot()
	assert.Equal(t, int64(3), snap.FilesProcessed)
	assert.Equal(t, int64(2), snap.FilesSucceeded)
	assert.Equal(t, int64(1), snap.FilesFailed)

	summary := logs.FilterMessage("conversion summary").All()
	require.Len(t, summary, 1)
	fields := summary[0].ContextMap()
	assert.Equal(t, int64(3), fields["processed"])
	assert.InDelta(t, 2.0/3, fields["successRate"], 1e-9)
	assert.Contains(t, fields["speed"], "/s")
}

func TestDecodeParallelism(t *testing.T) {
	cpus := runtime.NumCPU()
	tests := []struct {
		name    string
		workers int
		want    int
	}{
		{"单个工作协程", 1, cpus},
		{"未设置", 0, cpus},
		{"工作协程多于CPU", cpus * 4, 1},
		{"平分CPU", 2, max(1, cpus/2)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, decodeParallelism(tt.workers))
		})
	}
}

func TestProcessFileAudioMeta(t *testing.T) {
	in, out := t.TempDir(), t.TempDir()
	src := writeFile(t, filepath.Join(in, "周杰伦 - 晴天.ncm"), buildNCM(t, flacAudio(), nil))

	p := newTestProcessor(zaptest.NewLogger(t), in, out)
	p.updateMetadata = true
	p.parallelism = 1
	res, err := p.processFile(context.Background(), src)
	require.NoError(t, err)

	f, err := flac.ParseFile(res.Output)
	require.NoError(t, err)
	for _, b := range f.Meta {
		if b.Type != flac.VorbisComment {
			continue
		}
		cmt, err := flacvorbis.ParseFromMetaDataBlock(*b)
		require.NoError(t, err)
		artist, err := cmt.Get(flacvorbis.FIELD_ARTIST)
		require.NoError(t, err)
		assert.Equal(t, []string{"周杰伦"}, artist)
	}
}

func TestPrintSupportedExtensions(t *testing.T) {
	var buf bytes.Buffer
	printSupportedExtensions(&buf)
	assert.Equal(t, "ncm: 1\n", buf.String())
}

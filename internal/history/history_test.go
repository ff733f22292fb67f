package history

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLedger(t *testing.T) {
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "history.db")

	l, err := Open(ctx, dbPath)
	require.NoError(t, err)

	mtime := time.Unix(1700000000, 123)
	e := Entry{Source: "/music/周杰伦 - 晴天.ncm", Size: 4096, ModTime: mtime}

	_, ok, err := l.Lookup(ctx, e)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, l.Record(ctx, e, "/out/周杰伦 - 晴天.flac"))
	out, ok, err := l.Lookup(ctx, e)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "/out/周杰伦 - 晴天.flac", out)

	// 源文件变化后视为新版本
	changed := e
	changed.Size++
	_, ok, err = l.Lookup(ctx, changed)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, l.Record(ctx, e, "/out/again.flac"))
	out, ok, err = l.Lookup(ctx, e)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "/out/again.flac", out)
	require.NoError(t, l.Close())

	// 重新打开后记录仍在
	l, err = Open(ctx, dbPath)
	require.NoError(t, err)
	defer l.Close()
	out, ok, err = l.Lookup(ctx, e)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "/out/again.flac", out)
}

package logger_test

import (
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tphakala/imagewall/internal/logger"
)

func TestBufferedFileWriter_FlushOnClose(t *testing.T) {
	t.Parallel()

	fs := afero.NewMemMapFs()
	w, err := logger.NewBufferedFileWriter("app.log", logger.WithFs(fs), logger.WithFlushInterval(0))
	require.NoError(t, err)

	_, err = w.Write([]byte("hello\n"))
	require.NoError(t, err)
	assert.Positive(t, w.Buffered())

	require.NoError(t, w.Close())
	require.NoError(t, w.Close(), "second close is a no-op")

	data, err := afero.ReadFile(fs, "app.log")
	require.NoError(t, err)
	assert.Equal(t, "hello\n", string(data))

	_, err = w.Write([]byte("late"))
	assert.Error(t, err)
}

func TestBufferedFileWriter_AutoFlush(t *testing.T) {
	t.Parallel()

	fs := afero.NewMemMapFs()
	w, err := logger.NewBufferedFileWriter("auto.log", logger.WithFs(fs), logger.WithFlushInterval(10*time.Millisecond))
	require.NoError(t, err)
	defer func() { _ = w.Close() }()

	_, err = w.Write([]byte("tick\n"))
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		data, err := afero.ReadFile(fs, "auto.log")
		return err == nil && string(data) == "tick\n"
	}, time.Second, 10*time.Millisecond)
}

func TestBufferedFileWriter_Append(t *testing.T) {
	t.Parallel()

	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "a.log", []byte("old\n"), 0o600))

	w, err := logger.NewBufferedFileWriter("a.log", logger.WithFs(fs), logger.WithFlushInterval(0))
	require.NoError(t, err)
	_, _ = w.Write([]byte("new\n"))
	require.NoError(t, w.Close())

	data, err := afero.ReadFile(fs, "a.log")
	require.NoError(t, err)
	assert.Equal(t, "old\nnew\n", string(data))
	assert.Equal(t, "a.log", w.FilePath())
}

func TestBufferedFileWriter_ConcurrentWrites(t *testing.T) {
	t.Parallel()

	fs := afero.NewMemMapFs()
	w, err := logger.NewBufferedFileWriter("c.log", logger.WithFs(fs), logger.WithBufferSize(64))
	require.NoError(t, err)

	const writers, lines = 8, 50
	var wg sync.WaitGroup
	for i := range writers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := range lines {
				_, _ = fmt.Fprintf(w, "w%d-%d\n", i, j)
			}
		}()
	}
	wg.Wait()
	require.NoError(t, w.Close())

	data, err := afero.ReadFile(fs, "c.log")
	require.NoError(t, err)
	assert.Len(t, strings.Split(strings.TrimSpace(string(data)), "\n"), writers*lines)
}

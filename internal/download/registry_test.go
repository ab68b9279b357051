package download

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"portablemsvc/internal/lease"
)

func readRegistryFile(t *testing.T, path string) map[string][]string {
	t.Helper()
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	var names map[string][]string
	require.NoError(t, json.Unmarshal(raw, &names))
	return names
}

func TestConcurrentWritersBothSurvive(t *testing.T) {
	path := filepath.Join(t.TempDir(), RegistryFile)
	ctx := context.Background()

	first, err := OpenRegistry(ctx, path, lease.Options{}, nil)
	require.NoError(t, err)
	second, err := OpenRegistry(ctx, path, lease.Options{}, nil)
	require.NoError(t, err)

	first.Add("aaaa", "first.vsix")
	second.Add("bbbb", "second.msi")
	second.Add("aaaa", "alias.vsix")

	require.NoError(t, first.Flush(ctx))
	require.NoError(t, second.Flush(ctx))

	names := readRegistryFile(t, path)
	assert.Equal(t, []string{"first.vsix", "alias.vsix"}, names["aaaa"])
	assert.Equal(t, []string{"second.msi"}, names["bbbb"])
}

func TestParallelFlushesLoseNothing(t *testing.T) {
	path := filepath.Join(t.TempDir(), RegistryFile)
	ctx := context.Background()
	opts := lease.Options{Timeout: 10 * time.Second, Poll: time.Millisecond}

	const writers = 8
	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			reg, err := OpenRegistry(ctx, path, opts, nil)
			if err != nil {
				errs <- err
				return
			}
			reg.Add(fmt.Sprintf("hash-%d", i), fmt.Sprintf("file-%d.cab", i))
			errs <- reg.Flush(ctx)
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	names := readRegistryFile(t, path)
	assert.Len(t, names, writers)
	assert.NoFileExists(t, path+".lock")
}

func TestFlushWithoutChangesWritesNothing(t *testing.T) {
	path := filepath.Join(t.TempDir(), RegistryFile)
	reg, err := OpenRegistry(context.Background(), path, lease.Options{}, nil)
	require.NoError(t, err)
	require.NoError(t, reg.Flush(context.Background()))
	assert.NoFileExists(t, path)
}

func TestForgetRemovesFromMergedTable(t *testing.T) {
	path := filepath.Join(t.TempDir(), RegistryFile)
	ctx := context.Background()
	require.NoError(t, os.WriteFile(path, []byte(`{"dead": ["x.cab"], "live": ["y.cab"]}`), 0o644))

	reg, err := OpenRegistry(ctx, path, lease.Options{}, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"dead", "live"}, reg.Hashes())

	reg.Forget("dead")
	require.NoError(t, reg.Flush(ctx))

	names := readRegistryFile(t, path)
	assert.NotContains(t, names, "dead")
	assert.Equal(t, []string{"y.cab"}, names["live"])
}

func TestCorruptRegistryStartsEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), RegistryFile)
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	reg, err := OpenRegistry(context.Background(), path, lease.Options{}, nil)
	require.NoError(t, err)
	assert.Empty(t, reg.Hashes())
	assert.True(t, reg.Add("h", "n"))
	assert.False(t, reg.Add("h", "n"))
}

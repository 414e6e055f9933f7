package engine

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

func mustOpen(t *testing.T, dir string) *Engine {
	t.Helper()
	e, err := Open(dir, Options{})
	require.NoError(t, err)
	return e
}

// P2: last-write-wins.
func TestSetOverwriteLastWriteWins(t *testing.T) {
	dir := t.TempDir()
	e := mustOpen(t, dir)
	defer e.Close()

	require.NoError(t, e.Set("k", "v1"))
	require.NoError(t, e.Set("k", "v2"))
	require.NoError(t, e.Set("k", "v3"))

	got, ok, err := e.Get("k")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "v3", got)
}

// P3: remove semantics.
func TestRemoveSemantics(t *testing.T) {
	dir := t.TempDir()
	e := mustOpen(t, dir)
	defer e.Close()

	require.NoError(t, e.Set("k", "v"))
	require.NoError(t, e.Remove("k"))

	_, ok, err := e.Get("k")
	require.NoError(t, err)
	require.False(t, ok)

	err = e.Remove("k")
	require.ErrorIs(t, err, ErrKeyNotFound)
}

func TestRemoveAbsentKeyIsKeyNotFoundWithoutWriting(t *testing.T) {
	dir := t.TempDir()
	e := mustOpen(t, dir)
	defer e.Close()

	err := e.Remove("ghost")
	require.ErrorIs(t, err, ErrKeyNotFound)

	_, ok, err := e.Get("ghost")
	require.NoError(t, err)
	require.False(t, ok)
}

// P4: isolation of keys.
func TestOperationsOnDistinctKeysAreIsolated(t *testing.T) {
	dir := t.TempDir()
	e := mustOpen(t, dir)
	defer e.Close()

	require.NoError(t, e.Set("a", "1"))
	require.NoError(t, e.Set("b", "2"))
	require.NoError(t, e.Remove("a"))

	_, ok, err := e.Get("a")
	require.NoError(t, err)
	require.False(t, ok)

	v, ok, err := e.Get("b")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "2", v)
}

// P1: durability across close/reopen, and P5: generation monotonicity.
func TestDurabilityAcrossRestartAndGenerationMonotonicity(t *testing.T) {
	dir := t.TempDir()
	e := mustOpen(t, dir)

	require.NoError(t, e.Set("a", "1"))
	require.NoError(t, e.Set("b", "2"))
	require.NoError(t, e.Remove("a"))

	view := snapshot(t, e)
	firstGen := e.activeGen
	require.NoError(t, e.Close())

	e2 := mustOpen(t, dir)
	defer e2.Close()

	require.Greater(t, e2.activeGen, firstGen)

	reopenedView := snapshot(t, e2)
	if diff := cmp.Diff(view, reopenedView); diff != "" {
		t.Fatalf("view mismatch after restart (-before +after):\n%s", diff)
	}

	_, ok, err := e2.Get("a")
	require.NoError(t, err)
	require.False(t, ok)

	v, ok, err := e2.Get("b")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "2", v)
}

func snapshot(t *testing.T, e *Engine) map[string]string {
	t.Helper()
	e.mu.Lock()
	keys := make([]string, 0, len(e.index))
	for k := range e.index {
		keys = append(keys, k)
	}
	e.mu.Unlock()

	out := make(map[string]string, len(keys))
	for _, k := range keys {
		v, ok, err := e.Get(k)
		require.NoError(t, err)
		require.True(t, ok)
		out[k] = v
	}
	return out
}

// P6: index fidelity — every live key's index entry decodes as its own Set.
func TestIndexFidelity(t *testing.T) {
	dir := t.TempDir()
	e := mustOpen(t, dir)
	defer e.Close()

	for i := 0; i < 50; i++ {
		require.NoError(t, e.Set(keyN(i), valN(i)))
	}
	for i := 0; i < 50; i += 2 {
		require.NoError(t, e.Remove(keyN(i)))
	}

	for i := 0; i < 50; i++ {
		v, ok, err := e.Get(keyN(i))
		require.NoError(t, err)
		if i%2 == 0 {
			require.False(t, ok)
		} else {
			require.True(t, ok)
			require.Equal(t, valN(i), v)
		}
	}
}

func keyN(i int) string { return "key-" + string(rune('a'+i%26)) + itoa(i) }
func valN(i int) string { return "value-" + itoa(i) }
func itoa(i int) string {
	if i == 0 {
		return "0"
	}
	neg := i < 0
	if neg {
		i = -i
	}
	var b []byte
	for i > 0 {
		b = append([]byte{byte('0' + i%10)}, b...)
		i /= 10
	}
	if neg {
		b = append([]byte{'-'}, b...)
	}
	return string(b)
}

func TestEmptyKeyAndValueRoundTrip(t *testing.T) {
	dir := t.TempDir()
	e := mustOpen(t, dir)
	defer e.Close()

	require.NoError(t, e.Set("", ""))
	v, ok, err := e.Get("")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "", v)
}

func TestControlCharactersAndMultibyteUTF8(t *testing.T) {
	dir := t.TempDir()
	e := mustOpen(t, dir)
	defer e.Close()

	key := "k\x00\x01\t\n"
	value := "絵文字🎉\r\n値"
	require.NoError(t, e.Set(key, value))
	v, ok, err := e.Get(key)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, value, v)
}

func TestLargeValueRoundTripAndSurvivesRestart(t *testing.T) {
	dir := t.TempDir()
	e := mustOpen(t, dir)

	big := strings.Repeat("x", 1<<20+17)
	require.NoError(t, e.Set("big", big))
	require.NoError(t, e.Close())

	e2 := mustOpen(t, dir)
	defer e2.Close()

	v, ok, err := e2.Get("big")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, len(big), len(v))
	require.Equal(t, big, v)
}

func TestUnrelatedFilesAreIgnoredAtStartup(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "readme.txt"), []byte("hi"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "foo.log.bak"), []byte("hi"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "01.log"), []byte{}, 0644)) // leading zero: ignored, not malformed

	e := mustOpen(t, dir)
	defer e.Close()
	require.Equal(t, uint64(1), e.activeGen)
}

func TestMalformedLogNamedFileIsStartupError(t *testing.T) {
	dir := t.TempDir()
	// "abc.log" never matches logNamePattern, so it is silently
	// ignored rather than erroring. The only names that match the
	// pattern yet fail strconv parsing are digit stems that overflow
	// uint64, so that is the case exercised here.
	overflow := strings.Repeat("9", 25) + ".log"
	require.NoError(t, os.WriteFile(filepath.Join(dir, overflow), []byte{}, 0644))

	_, err := Open(dir, Options{})
	require.Error(t, err)
}

func TestCompactRetainsOnlyLiveKeysAndRetiresOldGenerations(t *testing.T) {
	dir := t.TempDir()
	e := mustOpen(t, dir)
	defer e.Close()

	require.NoError(t, e.Set("a", "1"))
	require.NoError(t, e.Set("b", "2"))
	require.NoError(t, e.Set("a", "1-updated"))
	require.NoError(t, e.Remove("b"))

	preGens := onDiskGenerations(t, dir)
	require.NoError(t, e.Compact())
	postGens := onDiskGenerations(t, dir)

	require.NotEqual(t, preGens, postGens)

	v, ok, err := e.Get("a")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "1-updated", v)

	_, ok, err = e.Get("b")
	require.NoError(t, err)
	require.False(t, ok)

	require.NotNil(t, e.LastCompactDigest())
}

func onDiskGenerations(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	var names []string
	for _, ent := range entries {
		if logNamePattern.MatchString(ent.Name()) {
			names = append(names, ent.Name())
		}
	}
	return names
}

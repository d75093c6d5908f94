package cache

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Norgate-AV/compcache/internal/codes"
)

func sampleEntry() *Entry {
	e := &Entry{
		Key:      "9f86d081884c7d659a2feaa0c55ad015a3bf4f1b2b0b822cd15d6c15b0f00a08",
		Language: "Rust",
		Artifacts: []Artifact{
			{Name: "libdemo-1a2b.rlib", Mode: 0o644, Data: []byte("rlib bytes")},
			{Name: "demo-1a2b.d", Mode: 0o644, Data: []byte("demo.d: src/lib.rs\n")},
		},
		Stdout:      []byte("stdout text"),
		Stderr:      []byte("\x1b[1;33mwarning\x1b[0m: unused variable\n"),
		Status:      codes.ExitStatus{Code: 0},
		ColorMode:   "always",
		CompileTime: 1500 * time.Millisecond,
		CreatedAt:   time.Unix(1700000000, 42),
	}
	e.Seal()
	return e
}

func TestEncodeDecode_RoundTrip(t *testing.T) {
	e := sampleEntry()

	blob, err := Encode(e)
	require.NoError(t, err)

	got, err := Decode(blob)
	require.NoError(t, err)

	assert.Equal(t, e.Key, got.Key)
	assert.Equal(t, e.Language, got.Language)
	assert.Equal(t, e.Artifacts, got.Artifacts)
	assert.Equal(t, e.Stdout, got.Stdout)
	assert.Equal(t, e.Stderr, got.Stderr, "escape sequences must be preserved")
	assert.Equal(t, e.Status, got.Status)
	assert.Equal(t, e.ColorMode, got.ColorMode)
	assert.Equal(t, e.CompileTime, got.CompileTime)
	assert.True(t, e.CreatedAt.Equal(got.CreatedAt))
	assert.NoError(t, got.Verify(e.Key))
}

func TestEncodeDecode_FailedCompile(t *testing.T) {
	e := &Entry{
		Key:      "abc",
		Language: "C",
		Stderr:   []byte("a.c:1:1: error: expected ';'\n"),
		Status:   codes.ExitStatus{Code: 1},
	}
	e.Seal()

	blob, err := Encode(e)
	require.NoError(t, err)

	got, err := Decode(blob)
	require.NoError(t, err)
	assert.Empty(t, got.Artifacts)
	assert.Equal(t, 1, got.Status.Code)
	assert.NoError(t, got.Verify("abc"))
}

func TestEncodeDecode_Signal(t *testing.T) {
	e := &Entry{Key: "k", Status: codes.ExitStatus{Code: -1, Signal: 11}}
	e.Seal()

	blob, err := Encode(e)
	require.NoError(t, err)

	got, err := Decode(blob)
	require.NoError(t, err)
	assert.Equal(t, codes.ExitStatus{Code: -1, Signal: 11}, got.Status)
}

func TestDecode_Corrupt(t *testing.T) {
	tests := []struct {
		name string
		blob []byte
	}{
		{name: "empty", blob: nil},
		{name: "wrong magic", blob: []byte("XXXXdata")},
		{name: "truncated gzip", blob: append(append([]byte{}, magic...), 0x1f, 0x8b, 0x08)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(tt.blob)
			assert.ErrorIs(t, err, ErrCorrupt)
		})
	}
}

func TestVerify_DetectsMismatch(t *testing.T) {
	e := sampleEntry()

	var mismatch *MismatchError
	require.ErrorAs(t, e.Verify("other-key"), &mismatch)
	assert.Equal(t, "other-key", mismatch.Key)

	e.Stderr = []byte("tampered")
	require.ErrorAs(t, e.Verify(e.Key), &mismatch)
	assert.Contains(t, mismatch.Error(), "checksum")
}

func TestVerify_CoversReplayedMetadata(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(e *Entry)
	}{
		{name: "color mode", mutate: func(e *Entry) { e.ColorMode = "never" }},
		{name: "artifact mode", mutate: func(e *Entry) { e.Artifacts[0].Mode = 0o755 }},
		{name: "artifact name", mutate: func(e *Entry) { e.Artifacts[1].Name = "other.d" }},
		{name: "status", mutate: func(e *Entry) { e.Status.Code = 1 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := sampleEntry()
			tt.mutate(e)

			var mismatch *MismatchError
			require.ErrorAs(t, e.Verify(e.Key), &mismatch)
		})
	}
}

func TestDecode_SizeLimit(t *testing.T) {
	e := sampleEntry()
	blob, err := Encode(e)
	require.NoError(t, err)

	defer func(prev int64) { maxDecodedSize = prev }(maxDecodedSize)
	maxDecodedSize = 64

	_, err = Decode(blob)
	assert.ErrorIs(t, err, ErrCorrupt)
	assert.Contains(t, err.Error(), "exceeds 64 bytes")
}

func TestEntry_SizeAndLookup(t *testing.T) {
	e := sampleEntry()

	assert.Equal(t, int64(len("rlib bytes")+len("demo.d: src/lib.rs\n")+len(e.Stdout)+len(e.Stderr)), e.Size())

	a, ok := e.Artifact("demo-1a2b.d")
	assert.True(t, ok)
	assert.Equal(t, []byte("demo.d: src/lib.rs\n"), a.Data)

	_, ok = e.Artifact("missing")
	assert.False(t, ok)
}

func TestCollectAndRestoreArtifacts(t *testing.T) {
	srcDir := t.TempDir()
	objPath := filepath.Join(srcDir, "main.o")
	depPath := filepath.Join(srcDir, "main.d")
	require.NoError(t, os.WriteFile(objPath, []byte("object"), 0o640))
	require.NoError(t, os.WriteFile(depPath, []byte("main.o: main.c"), 0o644))

	artifacts, err := CollectArtifacts([]Output{
		{Name: "obj", Path: objPath},
		{Name: "dep", Path: depPath},
		{Name: "dwo", Path: filepath.Join(srcDir, "main.dwo"), Optional: true},
	})
	require.NoError(t, err)
	require.Len(t, artifacts, 2)

	e := &Entry{Key: "k", Artifacts: artifacts}

	dstDir := t.TempDir()
	outputs := []Output{
		{Name: "obj", Path: filepath.Join(dstDir, "out", "renamed.o")},
		{Name: "dep", Path: filepath.Join(dstDir, "out", "renamed.d")},
		{Name: "dwo", Path: filepath.Join(dstDir, "out", "renamed.dwo"), Optional: true},
	}
	require.NoError(t, RestoreArtifacts(e, outputs))

	data, err := os.ReadFile(outputs[0].Path)
	require.NoError(t, err)
	assert.Equal(t, "object", string(data))

	if runtime.GOOS != "windows" {
		info, err := os.Stat(outputs[0].Path)
		require.NoError(t, err)
		assert.Equal(t, os.FileMode(0o640), info.Mode().Perm())
	}

	_, err = os.Stat(outputs[2].Path)
	assert.True(t, os.IsNotExist(err))

	// No temp files are left behind
	entries, err := os.ReadDir(filepath.Join(dstDir, "out"))
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestCollectArtifacts_MissingRequired(t *testing.T) {
	_, err := CollectArtifacts([]Output{{Name: "obj", Path: filepath.Join(t.TempDir(), "nope.o")}})
	assert.Error(t, err)
}

func TestRestoreArtifacts_MissingInEntry(t *testing.T) {
	err := RestoreArtifacts(&Entry{Key: "k"}, []Output{{Name: "obj", Path: filepath.Join(t.TempDir(), "a.o")}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), `"obj"`)
}

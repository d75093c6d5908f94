package fingerprint

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDepInfo(t *testing.T) {
	data := []byte(`/tmp/scratch/deps.d: src/main.rs src/util.rs src/with\ space.rs

src/main.rs:
src/util.rs:
src/with\ space.rs:

# env-dep:CARGO_PKG_NAME=demo
# env-dep:MULTI=a\nb
# env-dep:UNSET
# checksum:sha256=abc
`)

	info := ParseDepInfo(data)

	assert.Equal(t, []string{"src/main.rs", "src/util.rs", "src/with space.rs"}, info.Files)

	require.Contains(t, info.Env, "CARGO_PKG_NAME")
	require.NotNil(t, info.Env["CARGO_PKG_NAME"])
	assert.Equal(t, "demo", *info.Env["CARGO_PKG_NAME"])

	require.NotNil(t, info.Env["MULTI"])
	assert.Equal(t, "a\nb", *info.Env["MULTI"])

	require.Contains(t, info.Env, "UNSET")
	assert.Nil(t, info.Env["UNSET"])
	assert.Len(t, info.Env, 3)
}

func TestParseDepInfo_Continuations(t *testing.T) {
	data := []byte("out.o: a.c \\\n  include/a.h \\\n  include/b.h\n")

	info := ParseDepInfo(data)
	assert.Equal(t, []string{"a.c", "include/a.h", "include/b.h"}, info.Files)
}

func TestParseDepInfo_WindowsPaths(t *testing.T) {
	data := []byte("C:\\work\\deps.d: C:\\work\\src\\main.rs\r\n\r\nC:\\work\\src\\main.rs:\r\n")

	info := ParseDepInfo(data)
	assert.Equal(t, []string{`C:\work\src\main.rs`}, info.Files)
}

func TestParseDepInfo_Empty(t *testing.T) {
	info := ParseDepInfo(nil)
	assert.Empty(t, info.Files)
	assert.Empty(t, info.Env)
}

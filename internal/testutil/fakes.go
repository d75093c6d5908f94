// Package testutil provides shell-script stand-ins for real compilers.
//
// The fakes understand just enough of each compiler's command line to
// exercise fingerprinting and dispatch: version probes, preprocessing,
// dependency scans, diagnostics with and without color, and output files.
// Every real compile appends a line to the file named by FAKECC_LOG or
// FAKERUSTC_LOG, and sleeps for FAKECC_SLEEP or FAKERUSTC_SLEEP seconds.
package testutil

import (
	"bufio"
	"os"
	"path/filepath"
	"runtime"
	"testing"
)

const fakeCC = `#!/bin/sh
if [ "$1" = "--version" ]; then
	echo "fakecc (compcache test) ${FAKECC_VERSION:-1.0}"
	exit 0
fi

mode=compile
out=
src=
defs=
color=never
dep=
depfile=
prev=

for a in "$@"; do
	if [ -n "$prev" ]; then
		case "$prev" in
			-o) out="$a" ;;
			-MF) depfile="$a" ;;
		esac
		prev=
		continue
	fi
	case "$a" in
		-E) mode=preprocess ;;
		-o|-MF|-MT|-MQ|-include|-isystem) prev="$a" ;;
		-o*) out="${a#-o}" ;;
		-MF*) depfile="${a#-MF}" ;;
		-MD|-MMD) dep=1 ;;
		-D*) defs="$defs $a" ;;
		-fdiagnostics-color|-fdiagnostics-color=always|-fcolor-diagnostics) color=always ;;
		-fdiagnostics-color=never|-fno-diagnostics-color|-fno-color-diagnostics) color=never ;;
		-*) ;;
		*) src="$a" ;;
	esac
done

if [ "$mode" = preprocess ]; then
	if grep -q 'missing.h' "$src"; then
		echo "$src:1: fatal error: missing.h: No such file or directory" >&2
		exit 1
	fi
	printf '# 1 "%s"\n' "$src"
	if [ -n "$defs" ]; then
		printf '# defines:%s\n' "$defs"
	fi
	cat "$src"
	exit 0
fi

if [ -n "$FAKECC_LOG" ]; then
	echo "$src" >> "$FAKECC_LOG"
fi
if [ -n "$FAKECC_SLEEP" ]; then
	sleep "$FAKECC_SLEEP"
fi

diag() {
	if [ "$color" = always ]; then
		printf '%s: \033[01;35m%s:\033[0m %s\n' "$src" "$1" "$2" >&2
	else
		printf '%s: %s: %s\n' "$src" "$1" "$2" >&2
	fi
}

if grep -q -e '#error' -e 'missing.h' "$src"; then
	diag error "boom"
	exit 1
fi
if grep -q 'WARN' "$src"; then
	diag warning "something odd"
fi

if [ -z "$out" ]; then
	out="$(basename "${src%.*}").o"
fi
{ echo "OBJ"; cat "$src"; } > "$out" || exit 1

if [ -n "$dep" ]; then
	if [ -z "$depfile" ]; then
		depfile="${out%.*}.d"
	fi
	printf '%s: %s\n' "$out" "$src" > "$depfile"
fi
exit 0
`

const fakeRustc = `#!/bin/sh
if [ "$1" = "-vV" ]; then
	printf 'rustc %s (fake 2024-07-21)\n' "${FAKERUSTC_VERSION:-1.80.0}"
	printf 'binary: rustc\ncommit-hash: fake\nhost: x86_64-unknown-linux-gnu\nrelease: 1.80.0\n'
	exit 0
fi

name=
outdir=
src=
emit=link
depout=
color=never
json=
artifacts=
extra=
types=
prev=

for a in "$@"; do
	if [ -n "$prev" ]; then
		case "$prev" in
			--crate-name) name="$a" ;;
			--out-dir) outdir="$a" ;;
			--crate-type) types="$types $a" ;;
			--emit) emit="$a" ;;
			-C) case "$a" in extra-filename=*) extra="${a#extra-filename=}" ;; esac ;;
		esac
		prev=
		continue
	fi
	case "$a" in
		--crate-name|--out-dir|--crate-type|--emit|-C|--edition|--cfg|--check-cfg|-L|--extern|--error-format|--json|--color|--cap-lints|--target) prev="$a" ;;
		--crate-name=*) name="${a#*=}" ;;
		--out-dir=*) outdir="${a#*=}" ;;
		--crate-type=*) types="$types ${a#*=}" ;;
		--emit=dep-info=*) depout="${a#--emit=dep-info=}" ;;
		--emit=*) emit="${a#*=}" ;;
		-Cextra-filename=*) extra="${a#-Cextra-filename=}" ;;
		--color=always) color=always ;;
		--color=*) color=never ;;
		--error-format=json) json=1 ;;
		--json=*)
			case "$a" in *diagnostic-rendered-ansi*) color=always ;; esac
			case "$a" in *artifacts*) artifacts=1 ;; esac
			;;
		-*) ;;
		*) src="$a" ;;
	esac
done

if grep -q 'syntax error' "$src"; then
	echo "error: expected item" >&2
	exit 1
fi

if [ -n "$depout" ]; then
	deps="$src"
	for f in $(sed -n 's|^// dep: ||p' "$src"); do
		deps="$deps $f"
	done
	printf '%s: %s\n\n' "$depout" "$deps" > "$depout"
	for f in $deps; do
		printf '%s:\n' "$f" >> "$depout"
	done
	for k in $(sed -n 's|^// env: ||p' "$src"); do
		eval "v=\${$k-}"
		printf '\n# env-dep:%s=%s\n' "$k" "$v" >> "$depout"
	done
	exit 0
fi

if [ -n "$FAKERUSTC_LOG" ]; then
	echo "$name" >> "$FAKERUSTC_LOG"
fi
if [ -n "$FAKERUSTC_SLEEP" ]; then
	sleep "$FAKERUSTC_SLEEP"
fi

if grep -q 'WARN' "$src"; then
	if [ -n "$json" ]; then
		if [ "$color" = always ]; then
			r='\u001b[33mwarning\u001b[0m: unused variable'
		else
			r='warning: unused variable'
		fi
		printf '{"$message_type":"diagnostic","message":"unused variable","rendered":"%s"}\n' "$r" >&2
	elif [ "$color" = always ]; then
		printf '\033[33mwarning\033[0m: unused variable\n' >&2
	else
		printf 'warning: unused variable\n' >&2
	fi
fi

stem="$name$extra"
mkdir -p "$outdir"

write() {
	{ echo "$1"; cat "$src"; } > "$outdir/$2"
	if [ -n "$artifacts" ]; then
		printf '{"$message_type":"artifact","artifact":"%s/%s","emit":"%s"}\n' "$outdir" "$2" "$1" >&2
	fi
}

for kind in $(echo "$emit" | tr ',' ' '); do
	case "$kind" in
		link)
			for t in $types; do
				case "$t" in
					bin) write link "$stem" ;;
					lib|rlib) write link "lib$stem.rlib" ;;
					staticlib) write link "lib$stem.a" ;;
				esac
			done
			;;
		metadata) write metadata "lib$stem.rmeta" ;;
		dep-info) printf '%s/%s.d: %s\n' "$outdir" "$stem" "$src" > "$outdir/$stem.d" ;;
	esac
done
exit 0
`

// RequirePosix skips tests that need /bin/sh
func RequirePosix(t testing.TB) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("requires a POSIX shell")
	}
}

// WriteFakeCC installs a fake C compiler called name (gcc, clang++, ...) in dir
func WriteFakeCC(t testing.TB, dir, name string) string {
	t.Helper()
	return writeScript(t, dir, name, fakeCC)
}

// WriteFakeRustc installs a fake rustc in dir
func WriteFakeRustc(t testing.TB, dir string) string {
	t.Helper()
	return writeScript(t, dir, "rustc", fakeRustc)
}

// WriteFile creates dir/name with content, creating parent directories
func WriteFile(t testing.TB, dir, name, content string) string {
	t.Helper()

	path := filepath.Join(dir, name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("failed to create %s: %v", filepath.Dir(path), err)
	}

	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write %s: %v", path, err)
	}

	return path
}

// CountLines returns the number of lines in path, zero if it does not exist
func CountLines(t testing.TB, path string) int {
	t.Helper()

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0
		}
		t.Fatalf("failed to open %s: %v", path, err)
	}
	defer f.Close()

	n := 0
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		n++
	}

	return n
}

func writeScript(t testing.TB, dir, name, body string) string {
	t.Helper()
	RequirePosix(t)

	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(body), 0o755); err != nil {
		t.Fatalf("failed to write fake compiler: %v", err)
	}

	return path
}

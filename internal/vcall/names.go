package vcall

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"path"
	"regexp"
	"strings"
	"time"
)

// SentinelPrefix marks completion lines on the shell stream. The
// invocation line splits it from the token with adjacent quotes so the
// echoed command never contains the contiguous sentinel.
const SentinelPrefix = "__SHELLMUX_"

var (
	sentinelPattern = regexp.MustCompile(SentinelPrefix + `([0-9]+_[0-9a-f]{16}):([0-9]+)\r?\n`)
	unsafeName      = regexp.MustCompile(`[^A-Za-z0-9_-]+`)
)

// NewToken returns a sentinel token of the form <unixnano>_<16 hex>.
func NewToken(now time.Time) string {
	return fmt.Sprintf("%d_%s", now.UnixNano(), randomHex(8))
}

// TempPath names a per-call remote file: <dir>/<purpose>_<unixmillis>_<random>.<ext>.
func TempPath(dir, purpose string, now time.Time, ext string) string {
	name := fmt.Sprintf("%s_%d_%s.%s", sanitize(purpose), now.UnixMilli(), randomHex(4), ext)
	return path.Join(dir, name)
}

// Sentinel is the exact text a completed call prints on the shell stream.
func Sentinel(token string, exitCode int) string {
	return fmt.Sprintf("%s%s:%d\n", SentinelPrefix, token, exitCode)
}

// Invocation builds the single shell line that runs cmd with stdout and
// stderr redirected into out and then echoes the sentinel with the exit
// status. The leading space keeps it out of shell history.
func Invocation(cmd, out, token string) string {
	return fmt.Sprintf(" (%s) > %s 2>&1; echo '%s''%s'\":$?\"\n", cmd, shellQuote(out), SentinelPrefix, token)
}

// withRemoteTimeout bounds cmd on the remote side when coreutils timeout
// exists, so a call that times out locally does not leave it running.
func withRemoteTimeout(cmd string, d time.Duration) string {
	secs := int((d + time.Second - 1) / time.Second)
	if secs <= 0 {
		return cmd
	}
	return fmt.Sprintf("if command -v timeout >/dev/null 2>&1; then timeout -k 5 %d %s; else %s; fi", secs, cmd, cmd)
}

func cleanupLine(paths []string) string {
	quoted := make([]string, 0, len(paths))
	for _, p := range paths {
		quoted = append(quoted, shellQuote(p))
	}
	return " rm -rf " + strings.Join(quoted, " ") + "\n"
}

// shellQuote leaves plain paths untouched and single-quotes anything else.
func shellQuote(s string) string {
	if s != "" && strings.IndexFunc(s, func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || strings.ContainsRune("/._-", r))
	}) < 0 {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func sanitize(purpose string) string {
	s := unsafeName.ReplaceAllString(purpose, "_")
	s = strings.Trim(s, "_")
	if s == "" {
		return "call"
	}
	if len(s) > 32 {
		s = s[:32]
	}
	return s
}

func randomHex(n int) string {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		panic(fmt.Sprintf("vcall: crypto/rand failed: %v", err))
	}
	return hex.EncodeToString(b)
}

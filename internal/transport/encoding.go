package transport

import (
	"io"
	"strings"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/htmlindex"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

// stderrEncoding resolves a WHATWG encoding label ("utf-8", "latin1",
// "windows-1252", "shift_jis", ...). Unknown labels fall back to UTF-8.
func stderrEncoding(label string) (encoding.Encoding, bool) {
	label = strings.TrimSpace(label)
	if label == "" {
		return unicode.UTF8, true
	}
	enc, err := htmlindex.Get(label)
	if err != nil {
		return unicode.UTF8, false
	}
	return enc, true
}

// decodeStderr wraps r so that it yields valid UTF-8; invalid sequences are
// replaced with U+FFFD.
func decodeStderr(r io.Reader, label string) io.Reader {
	enc, ok := stderrEncoding(label)
	if !ok {
		log.Warn("unknown stderr encoding, using utf-8", "encoding", label)
	}
	return transform.NewReader(r, enc.NewDecoder())
}

package importer

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/transform"
)

var encodings = map[string]encoding.Encoding{
	"iso-8859-1":   charmap.ISO8859_1,
	"latin1":       charmap.ISO8859_1,
	"iso-8859-5":   charmap.ISO8859_5,
	"windows-1251": charmap.Windows1251,
	"cp1251":       charmap.Windows1251,
	"windows-1252": charmap.Windows1252,
	"koi8-r":       charmap.KOI8R,
	"cp866":        charmap.CodePage866,
	"ibm866":       charmap.CodePage866,
}

// lookupEncoding returns nil for UTF-8 input, which needs no decoding.
func lookupEncoding(name string) (encoding.Encoding, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" || name == "utf-8" || name == "utf8" {
		return nil, nil
	}
	enc, ok := encodings[name]
	if !ok {
		return nil, fmt.Errorf("unsupported source encoding %q", name)
	}
	return enc, nil
}

// lineSource yields one single-column row per input line, with the line
// terminator removed. A last line without a terminator is still a row.
type lineSource struct {
	sc   *bufio.Scanner
	line string
	num  int64
}

func newLineSource(r io.Reader, enc encoding.Encoding, skipHeader bool) *lineSource {
	if enc != nil {
		r = transform.NewReader(r, enc.NewDecoder())
	}
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	ls := &lineSource{sc: sc}
	if skipHeader && sc.Scan() {
		ls.num++
	}
	return ls
}

func (s *lineSource) Next() bool {
	if !s.sc.Scan() {
		return false
	}
	s.line = s.sc.Text()
	s.num++
	return true
}

func (s *lineSource) Values() ([]any, error) { return []any{s.line}, nil }

func (s *lineSource) Err() error { return s.sc.Err() }

// oneRow wraps a single row so every line gets its own copy operation.
type oneRow struct {
	vals []any
	done bool
}

func (r *oneRow) Next() bool {
	if r.done {
		return false
	}
	r.done = true
	return true
}

func (r *oneRow) Values() ([]any, error) { return r.vals, nil }

func (r *oneRow) Err() error { return nil }

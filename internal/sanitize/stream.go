package sanitize

import (
	"bytes"
	"io"
)

// maxTokenLen bounds how many trailing bytes are held back while waiting for
// the rest of a mask token split across chunks.
const maxTokenLen = 64

// RemaskingReader wraps an upstream response body (plain or SSE) and
// restores mask tokens before the bytes reach the client. A token split
// across reads is held back until its closing bracket arrives.
type RemaskingReader struct {
	src     io.Reader
	table   *RemaskTable
	pending []byte // read from src, not yet remasked
	out     []byte // remasked, not yet returned
	srcEOF  bool
}

// NewRemaskingReader wraps src. If table is nil or empty, src is returned
// unchanged.
func NewRemaskingReader(src io.Reader, table *RemaskTable) io.Reader {
	if table.IsEmpty() {
		return src
	}
	return &RemaskingReader{src: src, table: table}
}

// Read implements io.Reader.
func (r *RemaskingReader) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	for len(r.out) == 0 {
		if r.srcEOF {
			if len(r.pending) == 0 {
				return 0, io.EOF
			}
			r.out = []byte(r.table.Remask(string(r.pending)))
			r.pending = nil
			continue
		}

		buf := make([]byte, max(len(p), 512))
		n, err := r.src.Read(buf)
		r.pending = append(r.pending, buf[:n]...)
		if err == io.EOF {
			r.srcEOF = true
		} else if err != nil {
			return 0, err
		}

		if cut := safeCut(r.pending); cut > 0 {
			r.out = []byte(r.table.Remask(string(r.pending[:cut])))
			r.pending = append([]byte(nil), r.pending[cut:]...)
		}
	}
	n := copy(p, r.out)
	r.out = r.out[n:]
	return n, nil
}

// safeCut returns how much of b can be remasked now: everything except an
// unterminated "[..." tail short enough to still become a token.
func safeCut(b []byte) int {
	i := bytes.LastIndexByte(b, '[')
	if i < 0 || bytes.IndexByte(b[i:], ']') >= 0 || len(b)-i > maxTokenLen {
		return len(b)
	}
	return i
}

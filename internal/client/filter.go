package client

import "bytes"

// metaSignatures open a hijacked-stream metadata object: JSON the execution
// backend injects into the output stream during attach. These objects are
// framing artifacts, never user output, and must not reach the terminal.
var metaSignatures = [][]byte{
	[]byte(`{"hijack"`),
	[]byte(`{"stream"`),
	[]byte(`{"Hijack"`),
	[]byte(`{"Stream"`),
}

// MetaFilter strips hijacked-stream metadata JSON from PTY output. The
// metadata can arrive split across frames at any byte offset, so the filter
// is stateful: it withholds a suffix that could be the start of a signature
// and tracks brace depth (string-aware) while suppressing an object.
type MetaFilter struct {
	held  []byte // possible partial signature awaiting more input
	depth int    // brace depth while suppressing, 0 when passing through

	inString bool
	escaped  bool
}

// Filter returns chunk with any metadata bytes removed. Output may lag
// input by up to one signature length while a potential match is pending.
func (f *MetaFilter) Filter(chunk []byte) []byte {
	data := chunk
	if len(f.held) > 0 {
		data = append(f.held, chunk...)
		f.held = nil
	}

	var out []byte
	for len(data) > 0 {
		if f.depth > 0 {
			n := f.consumeMeta(data)
			data = data[n:]
			continue
		}

		idx, partial := findSignature(data)
		if idx == -1 {
			if partial >= 0 {
				out = append(out, data[:partial]...)
				f.held = append([]byte(nil), data[partial:]...)
			} else {
				out = append(out, data...)
			}
			break
		}

		out = append(out, data[:idx]...)
		data = data[idx:]
		f.depth = 0
		f.inString = false
		f.escaped = false
		n := f.consumeMeta(data)
		data = data[n:]
	}
	return out
}

// consumeMeta advances through a metadata object, returning the number of
// bytes consumed. On entry with depth 0 the first byte is the opening brace.
func (f *MetaFilter) consumeMeta(data []byte) int {
	for i, c := range data {
		if f.inString {
			switch {
			case f.escaped:
				f.escaped = false
			case c == '\\':
				f.escaped = true
			case c == '"':
				f.inString = false
			}
			continue
		}
		switch c {
		case '"':
			f.inString = true
		case '{':
			f.depth++
		case '}':
			f.depth--
			if f.depth == 0 {
				return i + 1
			}
		}
	}
	return len(data)
}

// findSignature locates the earliest full signature match in data. When no
// full match exists, partial is the offset of a trailing prefix of some
// signature (or -1); bytes from that offset on must be withheld until more
// input arrives.
func findSignature(data []byte) (idx, partial int) {
	idx = -1
	for _, sig := range metaSignatures {
		if i := bytes.Index(data, sig); i != -1 && (idx == -1 || i < idx) {
			idx = i
		}
	}
	if idx != -1 {
		return idx, -1
	}

	partial = -1
	for _, sig := range metaSignatures {
		for n := min(len(sig)-1, len(data)); n > 0; n-- {
			if bytes.HasSuffix(data, sig[:n]) {
				off := len(data) - n
				if partial == -1 || off < partial {
					partial = off
				}
				break
			}
		}
	}
	return -1, partial
}

package remote

import (
	"bufio"
	"bytes"
	"io"
)

// maxFrame bounds a single line of the stream.
const maxFrame = 4 << 20

// readFrames splits a stream into message payloads. It understands SSE
// ("data:" lines terminated by a blank line; comments and other fields
// skipped) and bare newline-delimited JSON. An unterminated SSE event at
// end of stream is dropped.
func readFrames(r io.Reader, emit func([]byte)) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), maxFrame)

	var data [][]byte
	for sc.Scan() {
		line := bytes.TrimSuffix(sc.Bytes(), []byte("\r"))

		switch {
		case len(line) == 0:
			if len(data) > 0 {
				emit(bytes.Join(data, []byte("\n")))
				data = nil
			}
		case line[0] == ':':
			// comment / keep-alive
		case bytes.HasPrefix(line, []byte("data:")):
			v := bytes.TrimPrefix(line[len("data:"):], []byte(" "))
			data = append(data, append([]byte(nil), v...))
		case line[0] == '{' || line[0] == '[':
			emit(append([]byte(nil), line...))
		default:
			// event:, id:, retry: and unknown fields
		}
	}
	return sc.Err()
}

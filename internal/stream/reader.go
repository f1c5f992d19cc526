package stream

import (
	"bufio"
	"bytes"
	"errors"
	"io"
)

const maxFrameSize = 1024 * 1024

// ErrFrameTooLong is returned by Next for a line longer than the frame size
// limit. The line has been discarded and the next call continues after it.
var ErrFrameTooLong = errors.New("stream frame exceeds maximum size")

// Reader splits a byte stream into frame payloads. It accepts newline
// delimited JSON as well as server-sent events, where each payload arrives on
// a "data:" line; blank lines, SSE comments and other SSE fields are skipped.
type Reader struct {
	br  *bufio.Reader
	max int
	err error
}

func NewReader(r io.Reader) *Reader {
	return &Reader{br: bufio.NewReaderSize(r, 64*1024), max: maxFrameSize}
}

// Next returns the next payload, or io.EOF once the stream is exhausted.
func (r *Reader) Next() ([]byte, error) {
	for {
		raw, err := r.readLine()
		if err != nil {
			return nil, err
		}

		line := bytes.TrimSpace(raw)
		if len(line) == 0 || line[0] == ':' {
			continue
		}

		if payload, ok := bytes.CutPrefix(line, []byte("data:")); ok {
			payload = bytes.TrimSpace(payload)
			if len(payload) == 0 || bytes.Equal(payload, []byte("[DONE]")) {
				continue
			}
			return payload, nil
		}
		if isSSEField(line) {
			continue
		}

		return line, nil
	}
}

// readLine returns the next line without copying more than max bytes of it.
// A read error is kept and returned once any buffered partial line has been
// handed out.
func (r *Reader) readLine() ([]byte, error) {
	if r.err != nil {
		return nil, r.err
	}

	var line []byte
	tooLong := false
	for {
		chunk, err := r.br.ReadSlice('\n')
		if !tooLong {
			if len(line)+len(chunk) > r.max {
				tooLong = true
				line = nil
			} else {
				line = append(line, chunk...)
			}
		}

		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		if err != nil {
			r.err = err
		}
		if tooLong {
			return nil, ErrFrameTooLong
		}
		if err != nil && len(line) == 0 {
			return nil, err
		}
		return line, nil
	}
}

func isSSEField(line []byte) bool {
	for _, field := range []string{"event:", "id:", "retry:"} {
		if bytes.HasPrefix(line, []byte(field)) {
			return true
		}
	}
	return false
}

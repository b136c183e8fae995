package icap

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
)

const (
	maxChunkLine = 4096
	// maxChunkSize bounds a single chunk whatever the body limit is.
	maxChunkSize = 1 << 30
)

func readLine(br *bufio.Reader) (string, error) {
	line, err := br.ReadSlice('\n')
	if err == bufio.ErrBufferFull || len(line) > maxChunkLine {
		return "", malformed("chunk line too long")
	}
	if err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return "", err
	}
	return strings.TrimRight(string(line), "\r\n"), nil
}

// readChunks appends the chunk data of br to dst up to the zero-size chunk.
// ieof reports the "ieof" extension on that last chunk. Once dst would grow
// past limit the remaining data is consumed but dropped, and overflow is set.
func readChunks(br *bufio.Reader, dst []byte, limit int) (body []byte, ieof, overflow bool, err error) {
	body = dst
	for {
		line, err := readLine(br)
		if err != nil {
			return nil, false, false, err
		}
		sizeField, ext, _ := strings.Cut(line, ";")
		size, perr := strconv.ParseInt(strings.TrimSpace(sizeField), 16, 64)
		if perr != nil || size < 0 {
			return nil, false, false, malformed("bad chunk size %q", line)
		}
		if size > maxChunkSize {
			return nil, false, false, malformed("chunk size %d too large", size)
		}

		if size == 0 {
			ieof = strings.TrimSpace(ext) == "ieof"
			// trailer, normally just the empty line
			for {
				l, err := readLine(br)
				if err != nil {
					return nil, false, false, err
				}
				if l == "" {
					return body, ieof, overflow, nil
				}
			}
		}

		keep := size
		if limit > 0 && size > int64(limit-len(body)) {
			overflow = true
			keep = int64(limit - len(body))
			if keep < 0 {
				keep = 0
			}
		}
		if keep > 0 {
			start := len(body)
			body = append(body, make([]byte, keep)...)
			if _, err := io.ReadFull(br, body[start:]); err != nil {
				return nil, false, false, err
			}
		}
		if _, err := io.CopyN(io.Discard, br, size-keep); err != nil {
			return nil, false, false, err
		}

		if l, err := readLine(br); err != nil {
			return nil, false, false, err
		} else if l != "" {
			return nil, false, false, malformed("missing CRLF after chunk data")
		}
	}
}

// writeChunks writes body as one chunk followed by the terminating chunk,
// which carries ext when it is not empty.
func writeChunks(w io.Writer, body []byte, ext string) error {
	if len(body) > 0 {
		if _, err := fmt.Fprintf(w, "%x\r\n", len(body)); err != nil {
			return err
		}
		if _, err := w.Write(body); err != nil {
			return err
		}
		if _, err := io.WriteString(w, "\r\n"); err != nil {
			return err
		}
	}
	last := "0"
	if ext != "" {
		last += "; " + ext
	}
	_, err := io.WriteString(w, last+"\r\n\r\n")
	return err
}

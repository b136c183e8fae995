package icap

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"
)

// Content encodings understood by decodeBody.
const (
	EncodingIdentity = "identity"
	EncodingGzip     = "gzip"
	EncodingDeflate  = "deflate"
	EncodingBrotli   = "br"
	EncodingZstd     = "zstd"
)

var (
	errUnsupportedEncoding = errors.New("unsupported content encoding")
	errBodyTooLarge        = errors.New("decoded body too large")
)

// decodeBody undoes a single Content-Encoding. The decoded size is bounded by
// limit (no bound when limit <= 0).
func decodeBody(encoding string, body []byte, limit int) ([]byte, error) {
	var (
		r   io.Reader
		err error
	)
	switch strings.ToLower(strings.TrimSpace(encoding)) {
	case "", EncodingIdentity:
		return body, nil
	case EncodingGzip, "x-gzip":
		gr, gerr := gzip.NewReader(bytes.NewReader(body))
		if gerr != nil {
			return nil, fmt.Errorf("gzip: %w", gerr)
		}
		defer gr.Close()
		r = gr
	case EncodingDeflate:
		// "deflate" is zlib-wrapped per RFC 9110, but raw streams are common
		zr, zerr := zlib.NewReader(bytes.NewReader(body))
		if zerr != nil {
			fr := flate.NewReader(bytes.NewReader(body))
			defer fr.Close()
			r = fr
		} else {
			defer zr.Close()
			r = zr
		}
	case EncodingBrotli:
		r = brotli.NewReader(bytes.NewReader(body))
	case EncodingZstd:
		zr, zerr := zstd.NewReader(bytes.NewReader(body))
		if zerr != nil {
			return nil, fmt.Errorf("zstd: %w", zerr)
		}
		defer zr.Close()
		r = zr
	default:
		return nil, fmt.Errorf("%w: %q", errUnsupportedEncoding, encoding)
	}

	if limit > 0 {
		r = io.LimitReader(r, int64(limit)+1)
	}
	out, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("decode %s body: %w", encoding, err)
	}
	if limit > 0 && len(out) > limit {
		return nil, errBodyTooLarge
	}
	return out, nil
}

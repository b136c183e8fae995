package icap

import (
	"bytes"
	"io"
	"strings"
	"testing"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func compress(t *testing.T, encoding string, data []byte) []byte {
	t.Helper()
	var b bytes.Buffer
	var w io.WriteCloser
	switch encoding {
	case EncodingGzip:
		w = gzip.NewWriter(&b)
	case EncodingDeflate:
		w = zlib.NewWriter(&b)
	case "raw-deflate":
		fw, err := flate.NewWriter(&b, flate.DefaultCompression)
		require.NoError(t, err)
		w = fw
	case EncodingBrotli:
		w = brotli.NewWriter(&b)
	case EncodingZstd:
		zw, err := zstd.NewWriter(&b)
		require.NoError(t, err)
		w = zw
	}
	_, err := w.Write(data)
	require.NoError(t, err)
	require.NoError(t, w.Close())
	return b.Bytes()
}

func TestDecodeBody(t *testing.T) {
	page := []byte(htmlPage)
	for _, enc := range []string{EncodingGzip, EncodingDeflate, "raw-deflate", EncodingBrotli, EncodingZstd} {
		header := enc
		if enc == "raw-deflate" {
			header = EncodingDeflate
		}
		out, err := decodeBody(header, compress(t, enc, page), 0)
		require.NoError(t, err, enc)
		assert.Equal(t, page, out, enc)
	}

	out, err := decodeBody("", page, 0)
	require.NoError(t, err)
	assert.Equal(t, page, out)

	out, err = decodeBody("Identity", page, 0)
	require.NoError(t, err)
	assert.Equal(t, page, out)
}

func TestDecodeBodyErrors(t *testing.T) {
	_, err := decodeBody("compress", []byte("x"), 0)
	assert.ErrorIs(t, err, errUnsupportedEncoding)

	_, err = decodeBody(EncodingGzip, []byte("not gzip"), 0)
	assert.Error(t, err)

	big := []byte(strings.Repeat("a", 1000))
	_, err = decodeBody(EncodingGzip, compress(t, EncodingGzip, big), 100)
	assert.ErrorIs(t, err, errBodyTooLarge)
}

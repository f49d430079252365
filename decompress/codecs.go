package decompress

import (
	"compress/bzip2"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

const (
	Auto  = "auto"
	Bzip2 = "bzip2"
	Gzip  = "gzip"
	Zstd  = "zstd"
	LZ4   = "lz4"
	None  = "none"
)

type opener func(io.Reader) (io.ReadCloser, error)

var codecs = map[string]opener{
	Bzip2: func(r io.Reader) (io.ReadCloser, error) {
		return io.NopCloser(bzip2.NewReader(r)), nil
	},
	Gzip: func(r io.Reader) (io.ReadCloser, error) {
		return gzip.NewReader(r)
	},
	Zstd: func(r io.Reader) (io.ReadCloser, error) {
		d, err := zstd.NewReader(r, zstd.WithDecoderConcurrency(1))
		if err != nil {
			return nil, err
		}
		return d.IOReadCloser(), nil
	},
	LZ4: func(r io.Reader) (io.ReadCloser, error) {
		return io.NopCloser(lz4.NewReader(r)), nil
	},
	None: func(r io.Reader) (io.ReadCloser, error) {
		return io.NopCloser(r), nil
	},
}

var extensions = map[string]string{
	".bz2":  Bzip2,
	".bz":   Bzip2,
	".gz":   Gzip,
	".zst":  Zstd,
	".zstd": Zstd,
	".lz4":  LZ4,
}

// Detect maps a file name to a codec by extension. Unknown extensions are
// assumed to be bzip2, the format the dataset is published in.
func Detect(name string) string {
	if c, ok := extensions[strings.ToLower(filepath.Ext(name))]; ok {
		return c
	}
	return Bzip2
}

func lookup(codec string) (opener, error) {
	if codec == "" {
		codec = Bzip2
	}
	open, ok := codecs[codec]
	if !ok {
		return nil, fmt.Errorf("unknown codec %q", codec)
	}
	return open, nil
}

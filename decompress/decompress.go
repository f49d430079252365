// Package decompress turns the downloaded archive into a plain text file.
//
// Data is moved through a fixed 4 KiB buffer, so memory use does not depend
// on the size of the dataset. A destination left behind by a failed call is
// not removed; the next run overwrites it.
package decompress

import (
	"io"
	"os"

	"expired_passports/failure"
)

const chunkSize = 0x1000

// File decompresses src into dest using codec and returns the number of
// plain bytes written. Codec "auto" picks one from the extension of src.
func File(src, dest, codec string) (int64, error) {
	if codec == Auto {
		codec = Detect(src)
	}
	open, err := lookup(codec)
	if err != nil {
		return 0, decompressErr(err, "select codec")
	}

	in, err := os.Open(src)
	if err != nil {
		return 0, decompressErr(err, "open %s", src)
	}
	defer in.Close()

	r, err := open(in)
	if err != nil {
		return 0, decompressErr(err, "open %s stream %s", codec, src)
	}
	defer r.Close()

	out, err := os.Create(dest)
	if err != nil {
		return 0, decompressErr(err, "create %s", dest)
	}
	defer out.Close()

	n, err := Stream(out, r)
	if err != nil {
		return n, decompressErr(err, "decompress %s", src)
	}
	if err := out.Close(); err != nil {
		return n, decompressErr(err, "close %s", dest)
	}
	return n, nil
}

// Stream copies r into w chunk by chunk until r reports io.EOF.
func Stream(w io.Writer, r io.Reader) (int64, error) {
	buf := make([]byte, chunkSize)
	var total int64
	for {
		n, err := r.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return total, werr
			}
			total += int64(n)
		}
		if err == io.EOF {
			return total, nil
		}
		if err != nil {
			return total, err
		}
	}
}

func decompressErr(err error, format string, args ...any) error {
	return failure.New(failure.Decompress, err, format, args...)
}

// copy.go - Bounded-memory stream copy.
package transfer

import (
	"fmt"
	"io"
)

// Copy moves bytes from src to dst through a single buffer of bufferSize
// bytes until src reports io.EOF, and returns the number of bytes written.
//
// Unlike io.Copy it never delegates to io.WriterTo or io.ReaderFrom, so at
// most bufferSize bytes are held in memory however large the stream is.
// Neither stream is closed. Bytes already written to dst stay written when
// an error is returned.
func Copy(dst io.Writer, src io.Reader, bufferSize int) (int64, error) {
	if bufferSize < 1 {
		return 0, ErrInvalidBufferSize
	}

	buf := make([]byte, bufferSize)
	var written int64
	for {
		nr, rerr := src.Read(buf)
		if nr > 0 {
			nw, werr := dst.Write(buf[:nr])
			if nw < 0 || nw > nr {
				nw = 0
				if werr == nil {
					werr = io.ErrShortWrite
				}
			}
			written += int64(nw)
			if werr != nil {
				return written, fmt.Errorf("%w: write: %w", ErrIO, werr)
			}
			if nw != nr {
				return written, fmt.Errorf("%w: write: %w", ErrIO, io.ErrShortWrite)
			}
		}
		if rerr == io.EOF {
			return written, nil
		}
		if rerr != nil {
			return written, fmt.Errorf("%w: read: %w", ErrIO, rerr)
		}
	}
}

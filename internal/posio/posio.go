// Package posio provides buffered, offset-tracking wrappers around an
// *os.File so callers can learn the current read/write position without
// paying a seek syscall on every record.
package posio

import (
	"bufio"
	"io"
	"os"
)

// Reader wraps a buffered, seekable file and tracks the current absolute
// byte offset. Offset is maintained locally; querying it never issues a
// seek.
type Reader struct {
	file   *os.File
	br     *bufio.Reader
	offset int64
}

// NewReader opens a Reader over f, initializing its offset from the
// file's current position.
func NewReader(f *os.File) (*Reader, error) {
	pos, err := f.Seek(0, io.SeekCurrent)
	if err != nil {
		return nil, err
	}
	return &Reader{
		file:   f,
		br:     bufio.NewReader(f),
		offset: pos,
	}, nil
}

// Offset returns the current absolute byte offset.
func (r *Reader) Offset() int64 {
	return r.offset
}

// Read implements io.Reader, advancing the tracked offset by the number
// of bytes returned.
func (r *Reader) Read(p []byte) (int, error) {
	n, err := r.br.Read(p)
	r.offset += int64(n)
	return n, err
}

// ReadByte implements io.ByteReader.
func (r *Reader) ReadByte() (byte, error) {
	b, err := r.br.ReadByte()
	if err == nil {
		r.offset++
	}
	return b, err
}

// Seek repositions the reader and resets the tracked offset to the
// resulting absolute position. The buffer is discarded since the
// underlying file position moves out from under it.
func (r *Reader) Seek(offset int64, whence int) (int64, error) {
	pos, err := r.file.Seek(offset, whence)
	if err != nil {
		return r.offset, err
	}
	r.br.Reset(r.file)
	r.offset = pos
	return pos, nil
}

// ReadAt reads exactly len(p) bytes starting at the given absolute
// offset without disturbing the reader's own tracked position, useful
// for a single point lookup by (offset, length).
func (r *Reader) ReadAt(p []byte, offset int64) (int, error) {
	return r.file.ReadAt(p, offset)
}

// Close closes the underlying file.
func (r *Reader) Close() error {
	return r.file.Close()
}

// Writer wraps a buffered, append-only file and tracks the current
// absolute byte offset, exposing the start offset of the next write in
// O(1).
type Writer struct {
	file   *os.File
	bw     *bufio.Writer
	offset int64
}

// NewWriter opens a Writer over f, initializing its offset from the
// file's current size (the writer is expected to be opened O_APPEND).
func NewWriter(f *os.File) (*Writer, error) {
	pos, err := f.Seek(0, io.SeekEnd)
	if err != nil {
		return nil, err
	}
	return &Writer{
		file:   f,
		bw:     bufio.NewWriter(f),
		offset: pos,
	}, nil
}

// Offset returns the current absolute byte offset: the position the
// next Write will start at, once flushed.
func (w *Writer) Offset() int64 {
	return w.offset
}

// Write implements io.Writer, advancing the tracked offset by the
// number of bytes written into the buffer.
func (w *Writer) Write(p []byte) (int, error) {
	n, err := w.bw.Write(p)
	w.offset += int64(n)
	return n, err
}

// Flush forwards to the underlying buffered writer, pushing buffered
// bytes out to the file.
func (w *Writer) Flush() error {
	return w.bw.Flush()
}

// Sync flushes the buffer and then fsyncs the underlying file,
// for callers that chose the stronger durability level.
func (w *Writer) Sync() error {
	if err := w.bw.Flush(); err != nil {
		return err
	}
	return w.file.Sync()
}

// Seek repositions the writer and resets the tracked offset to the
// resulting absolute position. Only required at construction time in
// practice; the engine itself is append-only.
func (w *Writer) Seek(offset int64, whence int) (int64, error) {
	if err := w.bw.Flush(); err != nil {
		return w.offset, err
	}
	pos, err := w.file.Seek(offset, whence)
	if err != nil {
		return w.offset, err
	}
	w.bw.Reset(w.file)
	w.offset = pos
	return pos, nil
}

// Close flushes and closes the underlying file.
func (w *Writer) Close() error {
	if err := w.bw.Flush(); err != nil {
		w.file.Close()
		return err
	}
	return w.file.Close()
}

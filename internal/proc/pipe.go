package proc

import (
	"errors"
	"io"
	"os"
)

// PipeReader is the parent side of a child's output stream. It has a single
// owner and must not be shared between goroutines without synchronization.
type PipeReader struct {
	f *os.File
}

// Read returns io.EOF once the child closed its end, other failures are
// reported as *IOError.
func (r *PipeReader) Read(b []byte) (int, error) {
	n, err := r.f.Read(b)
	if err != nil && !errors.Is(err, io.EOF) {
		err = &IOError{Op: "read", Err: err}
	}
	return n, err
}

// Close closes the read end. Pending reads return an error.
func (r *PipeReader) Close() error {
	return r.f.Close()
}

// PipeWriter is the parent side of a child's standard input.
type PipeWriter struct {
	f *os.File
}

func (w *PipeWriter) Write(b []byte) (int, error) {
	n, err := w.f.Write(b)
	if err != nil {
		err = &IOError{Op: "write", Err: err}
	}
	return n, err
}

// WriteAll writes the whole b or fails. A partial write is reported as
// io.ErrShortWrite.
func (w *PipeWriter) WriteAll(b []byte) error {
	n, err := w.Write(b)
	if err != nil {
		return err
	}
	if n < len(b) {
		return &IOError{Op: "write", Err: io.ErrShortWrite}
	}
	return nil
}

func (w *PipeWriter) Close() error {
	return w.f.Close()
}

package compression

import "io"

// Counter wraps an io.Writer and counts bytes written
type Counter struct {
	w     io.Writer
	count int64
}

func NewCounter(w io.Writer) *Counter {
	return &Counter{w: w}
}

func (bc *Counter) Write(p []byte) (int, error) {
	n, err := bc.w.Write(p)
	bc.count += int64(n)
	return n, err
}

func (bc *Counter) Count() int64 {
	return bc.count
}

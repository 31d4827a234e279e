package compression

import (
	"bytes"
	"io"
	"testing"
)

func TestCodecs_RoundTrip(t *testing.T) {
	payload := bytes.Repeat([]byte("memkv snapshot payload "), 1000)

	for _, c := range []Codec{None, Zstd} {
		var buf bytes.Buffer
		cnt := NewCounter(&buf)
		w, err := NewWriter(c, cnt)
		if err != nil {
			t.Fatalf("%s: writer: %v", c, err)
		}
		if _, err := w.Write(payload); err != nil {
			t.Fatalf("%s: write: %v", c, err)
		}
		if err := w.Close(); err != nil {
			t.Fatalf("%s: close: %v", c, err)
		}
		if cnt.Count() != int64(buf.Len()) {
			t.Fatalf("%s: counter=%d buf=%d", c, cnt.Count(), buf.Len())
		}
		if c == Zstd && buf.Len() >= len(payload) {
			t.Fatalf("zstd did not compress: %d >= %d", buf.Len(), len(payload))
		}

		r, err := NewReader(c, &buf)
		if err != nil {
			t.Fatalf("%s: reader: %v", c, err)
		}
		got, err := io.ReadAll(r)
		_ = r.Close()
		if err != nil {
			t.Fatalf("%s: read: %v", c, err)
		}
		if !bytes.Equal(got, payload) {
			t.Fatalf("%s: payload mismatch", c)
		}
	}
}

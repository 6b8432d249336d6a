package codec

import (
	"bytes"
	"fmt"
	"io"

	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/s2"
)

// --- none ---

// noneEngine passes payloads through untouched. Used below the size
// threshold and as the fallback when compression would grow the payload.
type noneEngine struct{}

func (noneEngine) Tag() Algorithm { return AlgoNone }

func (noneEngine) Compress(data []byte) ([]byte, error) {
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

func (noneEngine) Decompress(data []byte) ([]byte, error) {
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

func (noneEngine) Speed() int            { return 100 }
func (noneEngine) ExpectedRatio() float64 { return 1.0 }

// --- generic LZ (s2) ---

type lzEngine struct{}

func (lzEngine) Tag() Algorithm { return AlgoLZ }

func (lzEngine) Compress(data []byte) ([]byte, error) {
	return s2.Encode(nil, data), nil
}

func (lzEngine) Decompress(data []byte) ([]byte, error) {
	out, err := s2.Decode(nil, data)
	if err != nil {
		return nil, fmt.Errorf("%w: s2 decode: %v", ErrBadFrame, err)
	}
	return out, nil
}

func (lzEngine) Speed() int            { return 90 }
func (lzEngine) ExpectedRatio() float64 { return 0.65 }

// --- generic deflate ---

type deflateEngine struct{}

func (deflateEngine) Tag() Algorithm { return AlgoDeflate }

func (deflateEngine) Compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := flate.NewWriter(&buf, flate.BestCompression)
	if err != nil {
		return nil, fmt.Errorf("deflate writer: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return nil, fmt.Errorf("deflate write: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("deflate close: %w", err)
	}
	return buf.Bytes(), nil
}

func (deflateEngine) Decompress(data []byte) ([]byte, error) {
	r := flate.NewReader(bytes.NewReader(data))
	defer r.Close()
	out, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("%w: deflate decode: %v", ErrBadFrame, err)
	}
	return out, nil
}

func (deflateEngine) Speed() int            { return 40 }
func (deflateEngine) ExpectedRatio() float64 { return 0.55 }

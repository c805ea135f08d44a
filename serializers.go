package edgeplane

import (
	"bytes"
	"compress/gzip"
	"io"

	jsoniter "github.com/json-iterator/go"
)

// jsonFast is used for every JSON encode/decode in the package: HTTP bodies,
// KV values and object envelopes.
var jsonFast = jsoniter.ConfigCompatibleWithStandardLibrary

// Serializer converts values to and from bytes for storage.
type Serializer interface {
	Marshal(v interface{}) ([]byte, error)
	Unmarshal(data []byte, v interface{}) error
}

// JSONSerializer serializes with jsoniter.
type JSONSerializer struct{}

func (j *JSONSerializer) Marshal(v interface{}) ([]byte, error) {
	return jsonFast.Marshal(v)
}

func (j *JSONSerializer) Unmarshal(data []byte, v interface{}) error {
	return jsonFast.Unmarshal(data, v)
}

// CompressedSerializer gzips the output of Inner. The object-store tier uses
// it for cached bodies, which are HTML or JSON and shrink several-fold.
type CompressedSerializer struct {
	Inner Serializer
	Level int
}

// NewCompressedSerializer wraps inner with default gzip compression.
func NewCompressedSerializer(inner Serializer) *CompressedSerializer {
	return &CompressedSerializer{
		Inner: inner,
		Level: gzip.DefaultCompression,
	}
}

func (c *CompressedSerializer) Marshal(v interface{}) ([]byte, error) {
	data, err := c.Inner.Marshal(v)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	w, err := gzip.NewWriterLevel(&buf, c.Level)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(data); err != nil {
		w.Close()
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (c *CompressedSerializer) Unmarshal(data []byte, v interface{}) error {
	r, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return err
	}
	defer r.Close()

	decompressed, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	return c.Inner.Unmarshal(decompressed, v)
}

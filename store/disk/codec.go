package disk

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/klauspost/compress/zstd"
	digest "github.com/opencontainers/go-digest"

	"github.com/meigma/offline/store"
)

// record is the on-disk form of a store.Response.
type record struct {
	URL      string        `json:"url"`
	Status   int           `json:"status"`
	Header   http.Header   `json:"header,omitempty"`
	Body     []byte        `json:"body"`
	Digest   digest.Digest `json:"digest"`
	StoredAt time.Time     `json:"storedAt"`
}

// codec encodes records as zstd-compressed JSON.
// EncodeAll and DecodeAll are safe for concurrent use.
type codec struct {
	enc *zstd.Encoder
	dec *zstd.Decoder
}

func newCodec(level zstd.EncoderLevel) (*codec, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(level))
	if err != nil {
		return nil, fmt.Errorf("create zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		_ = enc.Close()
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}
	return &codec{enc: enc, dec: dec}, nil
}

func (c *codec) encode(resp *store.Response) ([]byte, error) {
	raw, err := json.Marshal(record{
		URL:      resp.URL,
		Status:   resp.Status,
		Header:   resp.Header,
		Body:     resp.Body,
		Digest:   resp.Digest,
		StoredAt: resp.StoredAt,
	})
	if err != nil {
		return nil, err
	}
	return c.enc.EncodeAll(raw, nil), nil
}

func (c *codec) decode(data []byte) (*store.Response, error) {
	raw, err := c.dec.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("decompress entry: %w", err)
	}
	var r record
	if err := json.Unmarshal(raw, &r); err != nil {
		return nil, fmt.Errorf("decode entry: %w", err)
	}
	return &store.Response{
		URL:      r.URL,
		Status:   r.Status,
		Header:   r.Header,
		Body:     r.Body,
		Digest:   r.Digest,
		StoredAt: r.StoredAt,
	}, nil
}

func (c *codec) Close() error {
	c.dec.Close()
	return c.enc.Close()
}

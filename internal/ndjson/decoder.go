// Package ndjson decodes newline-delimited JSON from long-lived HTTP bodies.
package ndjson

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"

	"go.uber.org/zap"
)

const defaultChunkSize = 4096

// Decoder splits arbitrary byte chunks into complete JSON records.
// The incomplete tail of a chunk is held until a later chunk completes it.
type Decoder struct {
	buf     []byte
	logger  *zap.Logger
	onSkip  func(line []byte)
	skipped int
}

func NewDecoder(logger *zap.Logger) *Decoder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Decoder{logger: logger}
}

// OnSkip registers a hook called for every malformed line.
func (d *Decoder) OnSkip(fn func(line []byte)) { d.onSkip = fn }

// Skipped reports how many malformed lines were dropped.
func (d *Decoder) Skipped() int { return d.skipped }

// Feed appends chunk and returns the records completed by it.
func (d *Decoder) Feed(chunk []byte) []json.RawMessage {
	d.buf = append(d.buf, chunk...)
	var out []json.RawMessage
	for {
		idx := bytes.IndexByte(d.buf, '\n')
		if idx < 0 {
			break
		}
		line := d.buf[:idx]
		d.buf = d.buf[idx+1:]
		if rec, ok := d.decodeLine(line); ok {
			out = append(out, rec)
		}
	}
	if len(d.buf) == 0 {
		d.buf = nil
	}
	return out
}

// Flush decodes whatever is left once the source reports end of data.
func (d *Decoder) Flush() []json.RawMessage {
	tail := d.buf
	d.buf = nil
	if rec, ok := d.decodeLine(tail); ok {
		return []json.RawMessage{rec}
	}
	return nil
}

func (d *Decoder) decodeLine(line []byte) (json.RawMessage, bool) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return nil, false
	}
	if !json.Valid(line) {
		d.skipped++
		d.logger.Warn("stream_record_skipped",
			zap.Int("bytes", len(line)),
			zap.ByteString("head", head(line, 120)),
		)
		if d.onSkip != nil {
			d.onSkip(line)
		}
		return nil, false
	}
	return append(json.RawMessage(nil), line...), true
}

func head(b []byte, n int) []byte {
	if len(b) <= n {
		return b
	}
	return b[:n]
}

// Reader pulls records lazily from an io.Reader.
type Reader struct {
	src     io.Reader
	dec     *Decoder
	chunk   []byte
	pending []json.RawMessage
	err     error
}

func NewReader(src io.Reader, dec *Decoder) *Reader {
	if dec == nil {
		dec = NewDecoder(nil)
	}
	return &Reader{src: src, dec: dec, chunk: make([]byte, defaultChunkSize)}
}

// Next returns the next complete record. It returns io.EOF once the source
// is exhausted and every buffered record was handed out; any other source
// error is returned as-is after buffered records are drained.
func (r *Reader) Next() (json.RawMessage, error) {
	for len(r.pending) == 0 {
		if r.err != nil {
			return nil, r.err
		}
		n, err := r.src.Read(r.chunk)
		if n > 0 {
			r.pending = append(r.pending, r.dec.Feed(r.chunk[:n])...)
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				r.pending = append(r.pending, r.dec.Flush()...)
				r.err = io.EOF
			} else {
				r.err = err
			}
		}
	}
	rec := r.pending[0]
	r.pending = r.pending[1:]
	return rec, nil
}

// DecodeAll feeds the whole input at once. Used by tests and small bodies.
func DecodeAll(input []byte, logger *zap.Logger) []json.RawMessage {
	dec := NewDecoder(logger)
	out := dec.Feed(input)
	return append(out, dec.Flush()...)
}

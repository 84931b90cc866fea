// Package relay implements the per-turn streaming state machine: decoding
// the upstream event stream, re-emitting it to the client, and persisting the
// assembled response exactly once.
package relay

import (
	"bytes"
	"encoding/json"
	"strings"

	"go.uber.org/zap"

	"github.com/streamlane/chat-relay/pkg/logger"
	"github.com/streamlane/chat-relay/pkg/metrics"
)

// FrameKind classifies one decoded upstream frame.
type FrameKind int

const (
	// FrameIgnorable is a frame carrying nothing the relay acts on:
	// comments, empty payloads, or malformed records.
	FrameIgnorable FrameKind = iota
	// FrameContentDelta carries a fragment of assistant text.
	FrameContentDelta
	// FrameTerminator is the [DONE] sentinel ending the stream.
	FrameTerminator
)

// Frame is one decoded logical unit from the upstream byte stream.
type Frame struct {
	Kind FrameKind
	Text string
}

const (
	dataPrefix = "data:"
	doneToken  = "[DONE]"
)

// Decoder turns raw byte chunks into frames. Chunks may split lines at any
// byte offset; the trailing incomplete fragment is buffered until the next
// Feed. Once the terminator is decoded the decoder ignores further input.
type Decoder struct {
	buf  []byte
	done bool
	log  *logger.Logger
}

// NewDecoder creates a decoder for one upstream stream.
func NewDecoder(log *logger.Logger) *Decoder {
	return &Decoder{log: log}
}

// Feed appends chunk to the pending buffer and decodes every complete line.
// Only one record per line is supported, matching the upstream contract.
func (d *Decoder) Feed(chunk []byte) []Frame {
	if d.done {
		return nil
	}

	d.buf = append(d.buf, chunk...)

	var frames []Frame
	for {
		idx := bytes.IndexByte(d.buf, '\n')
		if idx < 0 {
			break
		}
		line := string(d.buf[:idx])
		d.buf = d.buf[idx+1:]

		if strings.TrimSpace(line) == "" {
			continue
		}

		frame := d.decodeLine(line)
		frames = append(frames, frame)
		if frame.Kind == FrameTerminator {
			d.done = true
			d.buf = nil
			break
		}
	}
	return frames
}

// Flush runs any buffered fragment through the single-line logic once. Called
// after the upstream closed without a terminator; best-effort.
func (d *Decoder) Flush() []Frame {
	if d.done || strings.TrimSpace(string(d.buf)) == "" {
		d.buf = nil
		return nil
	}

	line := string(d.buf)
	d.buf = nil
	frame := d.decodeLine(line)
	if frame.Kind == FrameTerminator {
		d.done = true
	}
	return []Frame{frame}
}

// Done reports whether the terminator has been decoded.
func (d *Decoder) Done() bool {
	return d.done
}

func (d *Decoder) decodeLine(line string) Frame {
	line = strings.TrimSpace(line)

	if !strings.HasPrefix(line, dataPrefix) {
		return Frame{Kind: FrameIgnorable}
	}

	payload := strings.TrimSpace(strings.TrimPrefix(line, dataPrefix))
	if payload == doneToken {
		return Frame{Kind: FrameTerminator}
	}
	if payload == "" || payload == "{}" {
		return Frame{Kind: FrameIgnorable}
	}

	var record struct {
		Choices []struct {
			Delta struct {
				Content string `json:"content"`
			} `json:"delta"`
		} `json:"choices"`
	}
	if err := json.Unmarshal([]byte(payload), &record); err != nil {
		// A single malformed frame must never abort the stream.
		metrics.DecoderAnomalies.Inc()
		d.log.Warn("unparseable upstream frame", zap.String("payload", payload), zap.Error(err))
		return Frame{Kind: FrameIgnorable}
	}

	if len(record.Choices) == 0 || record.Choices[0].Delta.Content == "" {
		return Frame{Kind: FrameIgnorable}
	}

	return Frame{Kind: FrameContentDelta, Text: record.Choices[0].Delta.Content}
}

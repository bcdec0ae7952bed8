package llm

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"strings"

	"github.com/ternarybob/taskforge/internal/models"
)

// StreamEventKind identifies a decoded NDJSON record
type StreamEventKind int

const (
	// StreamChunk carries a fragment of generated text
	StreamChunk StreamEventKind = iota
	// StreamDone is the explicit end marker and carries token usage
	StreamDone
)

// StreamEvent is one typed record of a streamed response
type StreamEvent struct {
	Kind         StreamEventKind
	Text         string
	Model        string
	InputTokens  int
	OutputTokens int
}

// streamRecord is the wire shape of one NDJSON line
type streamRecord struct {
	Model           string `json:"model"`
	Response        string `json:"response"`
	Done            bool   `json:"done"`
	DoneReason      string `json:"done_reason"`
	PromptEvalCount int    `json:"prompt_eval_count"`
	EvalCount       int    `json:"eval_count"`
	Error           string `json:"error"`
}

type decoderState int

const (
	stateReading decoderState = iota
	stateDone
	stateClosed
	stateFailed
)

const (
	streamReadSize   = 4096
	maxStreamLineLen = 1 << 20
)

// StreamDecoder turns a newline delimited JSON body into a finite sequence of events.
//
// Bytes are accumulated in a buffer, split on newlines and each complete line is
// parsed into a typed event. The sequence ends at the done marker. A body that
// closes before the done marker is a truncated stream, reported as a transient
// timeout so the call is retried.
type StreamDecoder struct {
	reader   io.Reader
	provider string
	buf      []byte
	pending  []StreamEvent
	state    decoderState
	err      error
}

// NewStreamDecoder decodes r. provider names the source in classified errors.
func NewStreamDecoder(r io.Reader, provider string) *StreamDecoder {
	return &StreamDecoder{reader: r, provider: provider}
}

// Next returns the next event. It returns io.EOF after the done marker has been
// returned, or the terminal error of a failed stream.
func (d *StreamDecoder) Next() (StreamEvent, error) {
	for {
		if len(d.pending) > 0 {
			event := d.pending[0]
			d.pending = d.pending[1:]
			return event, nil
		}

		switch d.state {
		case stateDone, stateClosed:
			return StreamEvent{}, io.EOF
		case stateFailed:
			return StreamEvent{}, d.err
		}

		if err := d.fill(); err != nil {
			d.fail(err)
		}
	}
}

// fill reads once and parses every complete line now in the buffer
func (d *StreamDecoder) fill() error {
	chunk := make([]byte, streamReadSize)
	n, readErr := d.reader.Read(chunk)
	d.buf = append(d.buf, chunk[:n]...)

	for d.state == stateReading {
		idx := bytes.IndexByte(d.buf, '\n')
		if idx < 0 {
			break
		}
		line := d.buf[:idx]
		d.buf = d.buf[idx+1:]
		if err := d.parseLine(line); err != nil {
			return err
		}
	}

	if d.state == stateReading && len(d.buf) > maxStreamLineLen {
		return models.NewExternalError(models.ErrKindBadRequest, d.provider, 0, fmt.Errorf("stream line exceeds %d bytes", maxStreamLineLen))
	}

	if readErr == nil {
		return nil
	}
	if d.state != stateReading {
		return nil
	}
	if !errors.Is(readErr, io.EOF) {
		return Classify(readErr, d.provider)
	}

	// Stream closed: a trailing line without newline may still hold the done marker
	if len(bytes.TrimSpace(d.buf)) > 0 {
		line := d.buf
		d.buf = nil
		if err := d.parseLine(line); err != nil {
			return err
		}
	}
	if d.state == stateReading {
		d.state = stateClosed
		return models.NewExternalError(models.ErrKindTimeout, d.provider, 0, errors.New("stream closed before completion"))
	}
	return nil
}

func (d *StreamDecoder) parseLine(line []byte) error {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return nil
	}

	var record streamRecord
	if err := json.Unmarshal(line, &record); err != nil {
		return models.NewExternalError(models.ErrKindConnection, d.provider, 0, fmt.Errorf("malformed stream record: %w", err))
	}
	if record.Error != "" {
		return classifyStreamError(record.Error, d.provider)
	}

	if record.Response != "" {
		d.pending = append(d.pending, StreamEvent{Kind: StreamChunk, Text: record.Response, Model: record.Model})
	}
	if record.Done {
		d.pending = append(d.pending, StreamEvent{
			Kind:         StreamDone,
			Model:        record.Model,
			InputTokens:  record.PromptEvalCount,
			OutputTokens: record.EvalCount,
		})
		d.state = stateDone
	}
	return nil
}

func (d *StreamDecoder) fail(err error) {
	d.state = stateFailed
	d.err = err
}

// Events exposes the decoder as a range-over-func sequence. Iteration stops after
// the first error.
func (d *StreamDecoder) Events() iter.Seq2[StreamEvent, error] {
	return func(yield func(StreamEvent, error) bool) {
		for {
			event, err := d.Next()
			if errors.Is(err, io.EOF) {
				return
			}
			if !yield(event, err) || err != nil {
				return
			}
		}
	}
}

// Collect drains the decoder into a Completion
func (d *StreamDecoder) Collect() (Completion, error) {
	var text strings.Builder
	var completion Completion
	for event, err := range d.Events() {
		if err != nil {
			return Completion{}, err
		}
		if event.Model != "" {
			completion.Model = event.Model
		}
		switch event.Kind {
		case StreamChunk:
			text.WriteString(event.Text)
		case StreamDone:
			completion.InputTokens = event.InputTokens
			completion.OutputTokens = event.OutputTokens
		}
	}
	completion.Text = text.String()
	return completion, nil
}

func classifyStreamError(message, provider string) *models.ExternalError {
	lower := strings.ToLower(message)
	kind := models.ErrKindServiceUnavailable
	switch {
	case strings.Contains(lower, "rate limit") || strings.Contains(lower, "too many requests"):
		kind = models.ErrKindRateLimit
	case strings.Contains(lower, "not found") || strings.Contains(lower, "invalid"):
		kind = models.ErrKindBadRequest
	case strings.Contains(lower, "unauthorized") || strings.Contains(lower, "forbidden"):
		kind = models.ErrKindAuth
	}
	return models.NewExternalError(kind, provider, 0, errors.New(message))
}

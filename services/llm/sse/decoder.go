// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package sse

import (
	"bytes"
	"context"
	"errors"
	"io"
	"iter"
	"strconv"
	"strings"
)

// DoneSentinel is the data payload that ends an OpenAI completion stream.
const DoneSentinel = "[DONE]"

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// Event is one dispatched server-sent event.
type Event struct {
	// Type is the event field, "message" when absent.
	Type string

	// ID is the last event id seen on the stream.
	ID string

	// Data is the joined data lines, without the final newline.
	Data string

	// Retry is the last reconnection time in milliseconds, 0 if never set.
	Retry int
}

// Decoder parses the text/event-stream line grammar.
//
// Description:
//
//	Lines may end in CR, LF or CRLF, and chunk boundaries may fall anywhere,
//	including between the CR and LF of one terminator. Comment lines are
//	skipped, multiple data lines are joined with "\n", and an event is
//	dispatched on a blank line. An event still pending when the source ends
//	is dispatched as well.
//
// Thread Safety: Not safe for concurrent use. One goroutine owns a Decoder.
type Decoder struct {
	src     Source
	buf     []byte
	started bool
	eof     bool
	skipLF  bool

	eventType string
	lastID    string
	retry     int
	data      strings.Builder
	hasData   bool
}

// NewDecoder creates a decoder reading from src.
func NewDecoder(src Source) *Decoder {
	return &Decoder{src: src}
}

// Next returns the next event, or io.EOF once the source is exhausted.
//
// # Inputs
//
//   - ctx: Cancels a blocked read. The context error is returned as-is.
//
// # Outputs
//
//   - Event: The dispatched event.
//   - error: io.EOF at end of stream, or the source's error.
func (d *Decoder) Next(ctx context.Context) (Event, error) {
	for {
		if line, ok := d.nextLine(); ok {
			if ev, dispatch := d.processLine(line); dispatch {
				return ev, nil
			}
			continue
		}

		if d.eof {
			if len(d.buf) > 0 {
				line := string(d.buf)
				d.buf = nil
				if ev, dispatch := d.processLine(line); dispatch {
					return ev, nil
				}
			}
			if ev, dispatch := d.processLine(""); dispatch {
				return ev, nil
			}
			return Event{}, io.EOF
		}

		chunk, err := d.src.Next(ctx)
		if errors.Is(err, io.EOF) {
			d.eof = true
			continue
		}
		if err != nil {
			return Event{}, err
		}
		if !d.started {
			d.started = true
			chunk = bytes.TrimPrefix(chunk, utf8BOM)
		}
		d.buf = append(d.buf, chunk...)
	}
}

// Events returns the remaining events as an iterator. Iteration stops after
// the first error; io.EOF is not reported.
func (d *Decoder) Events(ctx context.Context) iter.Seq2[Event, error] {
	return func(yield func(Event, error) bool) {
		for {
			ev, err := d.Next(ctx)
			if errors.Is(err, io.EOF) {
				return
			}
			if !yield(ev, err) || err != nil {
				return
			}
		}
	}
}

// Close closes the underlying source.
func (d *Decoder) Close() error {
	return d.src.Close()
}

// nextLine removes one complete line from the buffer.
func (d *Decoder) nextLine() (string, bool) {
	if d.skipLF && len(d.buf) > 0 {
		if d.buf[0] == '\n' {
			d.buf = d.buf[1:]
		}
		d.skipLF = false
	}

	i := bytes.IndexAny(d.buf, "\r\n")
	if i < 0 {
		return "", false
	}
	line := string(d.buf[:i])
	end := i + 1
	if d.buf[i] == '\r' {
		switch {
		case end < len(d.buf) && d.buf[end] == '\n':
			end++
		case end == len(d.buf):
			// The LF may arrive in the next chunk.
			d.skipLF = true
		}
	}
	d.buf = d.buf[end:]
	return line, true
}

// processLine applies one line and reports whether it completed an event.
func (d *Decoder) processLine(line string) (Event, bool) {
	if line == "" {
		if !d.hasData {
			d.eventType = ""
			return Event{}, false
		}
		ev := Event{
			Type:  d.eventType,
			ID:    d.lastID,
			Data:  strings.TrimSuffix(d.data.String(), "\n"),
			Retry: d.retry,
		}
		if ev.Type == "" {
			ev.Type = "message"
		}
		d.eventType = ""
		d.data.Reset()
		d.hasData = false
		return ev, true
	}

	if line[0] == ':' {
		return Event{}, false
	}

	name, value, found := strings.Cut(line, ":")
	if found {
		value = strings.TrimPrefix(value, " ")
	}

	switch name {
	case "event":
		d.eventType = value
	case "data":
		d.data.WriteString(value)
		d.data.WriteByte('\n')
		d.hasData = true
	case "id":
		if !strings.ContainsRune(value, 0) {
			d.lastID = value
		}
	case "retry":
		if n, err := strconv.Atoi(value); err == nil && n >= 0 {
			d.retry = n
		}
	}
	return Event{}, false
}

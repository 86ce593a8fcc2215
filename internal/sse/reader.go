package sse

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"agent-chat/internal/domain"
)

const maxEventSize = 1024 * 1024

var ErrMalformedEvent = errors.New("sse: malformed event")

// Reader decodifica registros SSE en StreamEvent. Ignora comentarios y campos
// distintos de data; io.EOF marca el fin del flujo.
type Reader struct {
	reader *bufio.Reader
}

func NewReader(r io.Reader) *Reader {
	return &Reader{reader: bufio.NewReaderSize(r, 64*1024)}
}

func (r *Reader) Next() (domain.StreamEvent, error) {
	data, err := r.readData()
	if err != nil {
		return domain.StreamEvent{}, err
	}
	var ev domain.StreamEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return domain.StreamEvent{}, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if !domain.KnownEventType(ev.Type) {
		return domain.StreamEvent{}, fmt.Errorf("%w: unknown type %q", ErrMalformedEvent, ev.Type)
	}
	return ev, nil
}

func (r *Reader) readData() ([]byte, error) {
	var dataLines [][]byte
	size := 0
	for {
		line, err := r.reader.ReadBytes('\n')
		if err != nil {
			if err == io.EOF && len(dataLines) > 0 {
				return bytes.Join(dataLines, []byte("\n")), nil
			}
			return nil, err
		}
		line = bytes.TrimRight(line, "\r\n")

		if len(line) == 0 {
			if len(dataLines) > 0 {
				return bytes.Join(dataLines, []byte("\n")), nil
			}
			continue
		}
		if !bytes.HasPrefix(line, []byte("data:")) {
			continue
		}
		data := bytes.TrimPrefix(line[len("data:"):], []byte(" "))
		size += len(data)
		if size > maxEventSize {
			return nil, fmt.Errorf("%w: event exceeds %d bytes", ErrMalformedEvent, maxEventSize)
		}
		dataLines = append(dataLines, append([]byte(nil), data...))
	}
}

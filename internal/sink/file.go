package sink

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
)

// File sink formats.
const (
	FormatJSONL = "jsonl"
	FormatRaw   = "raw"
)

// defaultFlushEvery is how many events may accumulate before the buffer
// is forced to disk.
const defaultFlushEvery = 16

// FileSink appends events to a file, creating parent directories as
// needed. JSONL format writes one payload per line; raw concatenates
// payload bytes verbatim.
type FileSink struct {
	path       string
	format     string
	flushEvery int

	file    *os.File
	writer  *bufio.Writer
	pending int
}

// NewFileSink opens (or creates) the target file for appending.
func NewFileSink(path, format string, flushEvery int) (*FileSink, error) {
	if format == "" {
		format = FormatJSONL
	}
	if format != FormatJSONL && format != FormatRaw {
		return nil, &Error{SinkName: "file", Err: fmt.Errorf("unknown format %q", format)}
	}
	if flushEvery <= 0 {
		flushEvery = defaultFlushEvery
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, &Error{SinkName: "file", Err: err}
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, &Error{SinkName: "file", Err: err}
	}

	return &FileSink{
		path:       path,
		format:     format,
		flushEvery: flushEvery,
		file:       file,
		writer:     bufio.NewWriter(file),
	}, nil
}

func (s *FileSink) Name() string { return "file:" + s.path }

func (s *FileSink) Write(event []byte) error {
	if _, err := s.writer.Write(event); err != nil {
		return &Error{SinkName: s.Name(), Err: err}
	}
	if s.format == FormatJSONL {
		if err := s.writer.WriteByte('\n'); err != nil {
			return &Error{SinkName: s.Name(), Err: err}
		}
	}

	s.pending++
	if s.pending >= s.flushEvery {
		s.pending = 0
		if err := s.writer.Flush(); err != nil {
			return &Error{SinkName: s.Name(), Err: err}
		}
	}
	return nil
}

func (s *FileSink) Close() error {
	flushErr := s.writer.Flush()
	closeErr := s.file.Close()
	if flushErr != nil {
		return &Error{SinkName: s.Name(), Err: flushErr}
	}
	if closeErr != nil {
		return &Error{SinkName: s.Name(), Err: closeErr}
	}
	return nil
}

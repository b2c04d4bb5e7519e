package ftl

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"
)

// ErrCommandTooLong is returned when a command exceeds the configured limit.
var ErrCommandTooLong = errors.New("ftl: command too long")

const readChunkSize = 512

// MessageReader splits the control stream into commands. A command is one
// or more lines followed by an empty line; encoders send "CMD\r\n\r\n".
// Partial input is kept across read errors, so a read deadline firing in
// the middle of a command does not lose data.
type MessageReader struct {
	reader  io.Reader
	maxLen  int
	pending []byte
	chunk   []byte
	readErr error
}

// NewMessageReader creates a new FTL command reader
func NewMessageReader(r io.Reader, maxLen int) *MessageReader {
	if maxLen <= 0 {
		maxLen = DefaultMaxCommandLength
	}
	return &MessageReader{
		reader: r,
		maxLen: maxLen,
		chunk:  make([]byte, readChunkSize),
	}
}

// ReadCommand returns the next command with line terminators removed.
// Multi-line commands are joined with "\n".
func (mr *MessageReader) ReadCommand() (string, error) {
	for {
		cmd, ok, err := mr.extract()
		if err != nil || ok {
			return cmd, err
		}

		if mr.readErr != nil {
			err := mr.readErr
			mr.readErr = nil
			return "", err
		}

		n, err := mr.reader.Read(mr.chunk)
		mr.pending = append(mr.pending, mr.chunk[:n]...)
		if err != nil {
			mr.readErr = err
		}
	}
}

func (mr *MessageReader) extract() (string, bool, error) {
	// Skip empty lines between commands
	for len(mr.pending) > 0 {
		if mr.pending[0] == '\n' {
			mr.pending = mr.pending[1:]
		} else if bytes.HasPrefix(mr.pending, []byte("\r\n")) {
			mr.pending = mr.pending[2:]
		} else {
			break
		}
	}

	var lines []string
	rest := mr.pending
	for {
		idx := bytes.IndexByte(rest, '\n')
		if idx < 0 {
			break
		}
		line := strings.TrimSuffix(string(rest[:idx]), "\r")
		rest = rest[idx+1:]

		if line == "" {
			consumed := len(mr.pending) - len(rest)
			if consumed > mr.maxLen {
				mr.pending = mr.pending[consumed:]
				return "", false, fmt.Errorf("%w: %d bytes (max: %d)", ErrCommandTooLong, consumed, mr.maxLen)
			}
			mr.pending = mr.pending[consumed:]
			return strings.Join(lines, "\n"), true, nil
		}
		lines = append(lines, line)
	}

	if len(mr.pending) > mr.maxLen {
		return "", false, fmt.Errorf("%w: %d bytes without terminator (max: %d)", ErrCommandTooLong, len(mr.pending), mr.maxLen)
	}
	return "", false, nil
}

package ftl

import (
	"bufio"
	"io"
	"strconv"
)

// MessageWriter writes FTL replies: a numeric code, an optional message and "\n".
type MessageWriter struct {
	writer *bufio.Writer
}

// NewMessageWriter creates a new FTL reply writer
func NewMessageWriter(w io.Writer) *MessageWriter {
	return &MessageWriter{
		writer: bufio.NewWriter(w),
	}
}

// WriteReply writes a reply line such as "200 hi. Use UDP port 9000\n".
func (mw *MessageWriter) WriteReply(code int, message string) error {
	mw.writer.WriteString(strconv.Itoa(code))
	if message != "" {
		mw.writer.WriteByte(' ')
		mw.writer.WriteString(message)
	}
	mw.writer.WriteByte('\n')
	return mw.writer.Flush()
}

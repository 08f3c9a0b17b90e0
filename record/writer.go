package record

import (
	"bufio"
	"fmt"
	"io"
	"time"
)

// Writer emits the text record stream. Each line is flushed as it is
// written so a killed monitor loses nothing already exported.
type Writer struct {
	w *bufio.Writer
}

func NewWriter(w io.Writer) *Writer {
	return &Writer{w: bufio.NewWriter(w)}
}

// Start writes the START header.
func (w *Writer) Start(t time.Time) error {
	return w.writeLine(Header(t))
}

func (w *Writer) Write(r Record) error {
	return w.writeLine(r.Line())
}

func (w *Writer) writeLine(line string) error {
	if _, err := fmt.Fprintln(w.w, line); err != nil {
		return fmt.Errorf("failed to write record: %w", err)
	}
	if err := w.w.Flush(); err != nil {
		return fmt.Errorf("failed to flush record stream: %w", err)
	}
	return nil
}

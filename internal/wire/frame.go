package wire

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"strings"
)

const maxFrameSize = 4 * 1024 * 1024

// EncodeFrame renders e as an event-stream frame terminated by a blank line.
func EncodeFrame(e Event) ([]byte, error) {
	data, err := Payload(e)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	buf.Grow(len(data) + 32)
	buf.WriteString("event: ")
	buf.WriteString(e.EventName())
	buf.WriteString("\ndata: ")
	buf.Write(data)
	buf.WriteString("\n\n")
	return buf.Bytes(), nil
}

// WriteFrame encodes e and writes it to w.
func WriteFrame(w io.Writer, e Event) error {
	b, err := EncodeFrame(e)
	if err != nil {
		return err
	}
	_, err = w.Write(b)
	return err
}

// Frame is one raw, undecoded frame.
type Frame struct {
	Event string
	Data  []byte
}

// FrameReader splits an event stream into frames. Frames may arrive across
// any number of reads; comment lines (":" prefix) are dropped.
type FrameReader struct {
	sc *bufio.Scanner
}

func NewFrameReader(r io.Reader) *FrameReader {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxFrameSize)
	sc.Split(splitFrames)
	return &FrameReader{sc: sc}
}

// Next returns the next non-empty frame, or io.EOF at the end of the stream.
func (fr *FrameReader) Next() (Frame, error) {
	for fr.sc.Scan() {
		f, ok := parseFrame(fr.sc.Bytes())
		if ok {
			return f, nil
		}
	}
	if err := fr.sc.Err(); err != nil {
		return Frame{}, err
	}
	return Frame{}, io.EOF
}

// NextEvent reads and decodes the next frame.
func (fr *FrameReader) NextEvent() (Event, error) {
	f, err := fr.Next()
	if err != nil {
		return nil, err
	}
	return DecodeEvent(f.Event, f.Data)
}

func splitFrames(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	if i, n := frameBoundary(data); i >= 0 {
		return i + n, data[:i], nil
	}
	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}

// frameBoundary finds the first blank line, accepting LF and CRLF endings.
func frameBoundary(data []byte) (int, int) {
	lf := bytes.Index(data, []byte("\n\n"))
	crlf := bytes.Index(data, []byte("\r\n\r\n"))
	switch {
	case lf < 0 && crlf < 0:
		return -1, 0
	case crlf < 0 || (lf >= 0 && lf < crlf):
		return lf, 2
	default:
		return crlf, 4
	}
}

func parseFrame(raw []byte) (Frame, bool) {
	var f Frame
	var data []string
	for _, line := range strings.Split(string(raw), "\n") {
		line = strings.TrimRight(line, "\r")
		if line == "" || strings.HasPrefix(line, ":") {
			continue
		}
		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "event":
			f.Event = value
		case "data":
			data = append(data, value)
		}
	}
	if f.Event == "" && len(data) == 0 {
		return f, false
	}
	if f.Event == "" {
		f.Event = "message"
	}
	f.Data = []byte(strings.Join(data, "\n"))
	return f, true
}

func (f Frame) String() string {
	return fmt.Sprintf("%s %s", f.Event, f.Data)
}

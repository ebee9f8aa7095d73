package provider

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"
)

const maxEventLine = 1 << 20

// ErrStopStream may be returned by an event handler to end reading without error.
var ErrStopStream = errors.New("stop stream")

// ReadEvents scans a text/event-stream body and calls handle once per
// dispatched event with its name (empty when unnamed) and joined data lines.
func ReadEvents(body io.Reader, handle func(event, data string) error) error {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), maxEventLine)

	var (
		event string
		data  []string
	)

	dispatch := func() error {
		if len(data) == 0 {
			event = ""
			return nil
		}
		err := handle(event, strings.Join(data, "\n"))
		event, data = "", data[:0]
		return err
	}

	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if err := dispatch(); err != nil {
				if errors.Is(err, ErrStopStream) {
					return nil
				}
				return err
			}
		case strings.HasPrefix(line, ":"):
			// comment / keep-alive
		case strings.HasPrefix(line, "event:"):
			event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data = append(data, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read event stream: %w", err)
	}

	if err := dispatch(); err != nil && !errors.Is(err, ErrStopStream) {
		return err
	}
	return nil
}

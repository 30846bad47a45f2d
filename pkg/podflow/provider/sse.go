package provider

import (
	"bufio"
	"io"
	"strings"
)

// sseScanner reads newline-delimited server-sent-event frames from a
// response body. Partial lines are buffered across reads; non-data
// lines (event names, comments, blank keep-alives) and sentinel frames
// ("[DONE]", "{}") are skipped.
type sseScanner struct {
	r *bufio.Reader
}

func newSSEScanner(r io.Reader) *sseScanner {
	return &sseScanner{r: bufio.NewReader(r)}
}

// Next returns the payload of the next data frame, or io.EOF when the
// stream ends.
func (s *sseScanner) Next() (string, error) {
	for {
		line, err := s.r.ReadString('\n')
		if err != nil {
			// A final unterminated data line still counts as a frame.
			if err == io.EOF {
				if data, ok := dataPayload(line); ok {
					return data, nil
				}
			}
			return "", err
		}

		data, ok := dataPayload(line)
		if !ok {
			continue
		}
		return data, nil
	}
}

// dataPayload strips the "data: " prefix and filters sentinel frames.
func dataPayload(line string) (string, bool) {
	line = strings.TrimRight(line, "\r\n")
	if !strings.HasPrefix(line, "data:") {
		return "", false
	}
	data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
	if data == "" || data == "[DONE]" || data == "{}" {
		return "", false
	}
	return data, true
}

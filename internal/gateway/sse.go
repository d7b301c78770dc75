package gateway

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"go-agent-network/internal/core"
)

// errUnsafeName rejects event names that would split an SSE frame.
var errUnsafeName = errors.New("event name contains a line break")

// writeFrame writes env as one server-sent event named after the envelope.
// Nothing is written when the name carries CR or LF.
func writeFrame(w io.Writer, env core.Envelope) error {
	if strings.ContainsAny(env.Name, "\r\n") {
		return fmt.Errorf("%w: %q", errUnsafeName, env.Name)
	}
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", env.Name, data)
	return err
}

// ReadFrame reads the next event from an SSE stream, skipping comment
// frames. It returns the event name and the decoded envelope.
func ReadFrame(r *bufio.Reader) (string, core.Envelope, error) {
	var (
		event string
		data  []byte
	)
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return "", core.Envelope{}, err
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			if event == "" && len(data) == 0 {
				continue
			}
			var env core.Envelope
			if err := json.Unmarshal(data, &env); err != nil {
				return event, core.Envelope{}, fmt.Errorf("decode frame %q: %w", event, err)
			}
			return event, env, nil
		}
		if strings.HasPrefix(line, ":") {
			continue
		}
		if after, ok := strings.CutPrefix(line, "event:"); ok {
			event = strings.TrimSpace(after)
			continue
		}
		if after, ok := strings.CutPrefix(line, "data:"); ok {
			if len(data) > 0 {
				data = append(data, '\n')
			}
			data = append(data, strings.TrimPrefix(after, " ")...)
		}
	}
}

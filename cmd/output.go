package cmd

import (
	"encoding/json"
	"errors"
	"io"
	"time"

	"github.com/bronystylecrazy/ultrasync/client"
)

var ErrNotConfigured = errors.New("cmd: command needs a config file with an endpoint")

// line is one JSON line written by the streaming commands.
type line struct {
	Kind     string          `json:"kind"`
	Seq      uint64          `json:"seq,omitempty"`
	Topic    string          `json:"topic,omitempty"`
	Data     json.RawMessage `json:"data,omitempty"`
	Error    string          `json:"error,omitempty"`
	Received *time.Time      `json:"received,omitempty"`
}

func writeLine(w io.Writer, l line) error {
	return json.NewEncoder(w).Encode(l)
}

func resultLine(kind string, r client.Result) line {
	l := line{Kind: kind, Seq: r.Seq, Data: r.Result}
	if !r.Received.IsZero() {
		received := r.Received.UTC()
		l.Received = &received
	}
	if r.Err != nil {
		l.Error = r.Err.Error()
	}
	return l
}

func parseVariables(raw string) (map[string]any, error) {
	if raw == "" {
		return nil, nil
	}
	var vars map[string]any
	if err := json.Unmarshal([]byte(raw), &vars); err != nil {
		return nil, err
	}
	return vars, nil
}

// rawOrString keeps JSON payloads as they are and quotes anything else.
func rawOrString(payload []byte) json.RawMessage {
	if json.Valid(payload) {
		return payload
	}
	quoted, _ := json.Marshal(string(payload))
	return quoted
}

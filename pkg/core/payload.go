package core

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// Args is the positional argument list of a job, kept as raw JSON so each
// value can be decoded into the type the handler expects.
type Args []json.RawMessage

// NewArgs marshals each value into a positional argument.
func NewArgs(values ...any) (Args, error) {
	args := make(Args, 0, len(values))
	for i, v := range values {
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("jobs: marshal arg %d: %w", i, err)
		}
		args = append(args, raw)
	}
	return args, nil
}

// Len returns the number of arguments.
func (a Args) Len() int { return len(a) }

// Decode unmarshals the i-th argument into v.
func (a Args) Decode(i int, v any) error {
	if i < 0 || i >= len(a) {
		return fmt.Errorf("jobs: arg %d out of range (have %d)", i, len(a))
	}
	return json.Unmarshal(a[i], v)
}

// Values decodes every argument into its generic JSON form.
func (a Args) Values() []any {
	out := make([]any, len(a))
	for i, raw := range a {
		var v any
		if err := json.Unmarshal(raw, &v); err == nil {
			out[i] = v
		}
	}
	return out
}

// String renders the arguments as a JSON array for logging.
func (a Args) String() string {
	if len(a) == 0 {
		return "[]"
	}
	var b strings.Builder
	b.WriteByte('[')
	for i, raw := range a {
		if i > 0 {
			b.WriteByte(',')
		}
		b.Write(raw)
	}
	b.WriteByte(']')
	return b.String()
}

// Payload is the decoded job body: a class name and its arguments.
type Payload struct {
	Class string
	Args  Args
}

type wirePayload struct {
	Class string            `json:"class"`
	Args  []json.RawMessage `json:"args"`
}

// NewPayload builds a payload from plain Go values.
func NewPayload(class string, values ...any) (Payload, error) {
	args, err := NewArgs(values...)
	if err != nil {
		return Payload{}, err
	}
	return Payload{Class: class, Args: args}, nil
}

// Encode renders the payload as {"class": ..., "args": [...]}.
func (p Payload) Encode() ([]byte, error) {
	args := []json.RawMessage(p.Args)
	if args == nil {
		args = []json.RawMessage{}
	}
	return json.Marshal(wirePayload{Class: p.Class, Args: args})
}

// DecodePayload parses a job body. Keys are matched ignoring case and a
// leading colon, so {"class": ...} and {":class": ...} decode the same way.
// The body must be an object with a non-empty string class and an args array.
func DecodePayload(body []byte) (Payload, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return Payload{}, fmt.Errorf("%w: %v", ErrJobFormatInvalid, err)
	}
	if fields == nil {
		return Payload{}, fmt.Errorf("%w: body is not an object", ErrJobFormatInvalid)
	}

	var rawClass, rawArgs json.RawMessage
	for k, v := range fields {
		switch normalizeKey(k) {
		case "class":
			rawClass = v
		case "args":
			rawArgs = v
		}
	}

	var p Payload
	if err := json.Unmarshal(rawClass, &p.Class); err != nil || p.Class == "" {
		return Payload{}, fmt.Errorf("%w: missing class", ErrJobFormatInvalid)
	}
	if !bytes.HasPrefix(bytes.TrimSpace(rawArgs), []byte("[")) {
		return Payload{}, fmt.Errorf("%w: args must be an array", ErrJobFormatInvalid)
	}
	var args []json.RawMessage
	if err := json.Unmarshal(rawArgs, &args); err != nil {
		return Payload{}, fmt.Errorf("%w: %v", ErrJobFormatInvalid, err)
	}
	p.Args = Args(args)
	return p, nil
}

func normalizeKey(k string) string {
	return strings.ToLower(strings.TrimPrefix(k, ":"))
}

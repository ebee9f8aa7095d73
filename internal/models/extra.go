package models

import (
	"encoding/json"
	"reflect"
	"strings"
	"sync"
)

// Extra holds the members of a provider object that the Go type does not
// model, such as system_fingerprint, logprobs or refusal. They are written
// back unchanged when the object is encoded again.
type Extra map[string]json.RawMessage

var knownFieldCache sync.Map // reflect.Type -> map[string]struct{}

func knownFields(t reflect.Type) map[string]struct{} {
	if cached, ok := knownFieldCache.Load(t); ok {
		return cached.(map[string]struct{})
	}

	fields := make(map[string]struct{}, t.NumField())
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		name, _, _ := strings.Cut(field.Tag.Get("json"), ",")
		if name == "-" {
			continue
		}
		if name == "" {
			name = field.Name
		}
		// encoding/json matches member names case-insensitively.
		fields[strings.ToLower(name)] = struct{}{}
	}

	knownFieldCache.Store(t, fields)
	return fields
}

// unmarshalWithExtra decodes data into target, a pointer to a struct, and
// collects the members target has no field for into extra.
func unmarshalWithExtra(data []byte, target any, extra *Extra) error {
	if err := json.Unmarshal(data, target); err != nil {
		return err
	}

	var members map[string]json.RawMessage
	if err := json.Unmarshal(data, &members); err != nil {
		return err
	}

	known := knownFields(reflect.TypeOf(target).Elem())
	for name, value := range members {
		if _, ok := known[strings.ToLower(name)]; ok {
			continue
		}
		if *extra == nil {
			*extra = make(Extra)
		}
		(*extra)[name] = value
	}
	return nil
}

// marshalWithExtra encodes v and adds the extra members it does not set itself.
func marshalWithExtra(v any, extra Extra) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil || len(extra) == 0 {
		return data, err
	}

	var members map[string]json.RawMessage
	if err := json.Unmarshal(data, &members); err != nil {
		return nil, err
	}
	for name, value := range extra {
		if _, set := members[name]; !set {
			members[name] = value
		}
	}
	return json.Marshal(members)
}

func (r *CompletionResponse) UnmarshalJSON(data []byte) error {
	type plain CompletionResponse
	return unmarshalWithExtra(data, (*plain)(r), &r.Extra)
}

func (r CompletionResponse) MarshalJSON() ([]byte, error) {
	type plain CompletionResponse
	return marshalWithExtra(plain(r), r.Extra)
}

func (c *Choice) UnmarshalJSON(data []byte) error {
	type plain Choice
	return unmarshalWithExtra(data, (*plain)(c), &c.Extra)
}

func (c Choice) MarshalJSON() ([]byte, error) {
	type plain Choice
	return marshalWithExtra(plain(c), c.Extra)
}

func (m *Message) UnmarshalJSON(data []byte) error {
	type plain Message
	return unmarshalWithExtra(data, (*plain)(m), &m.Extra)
}

func (m Message) MarshalJSON() ([]byte, error) {
	type plain Message
	return marshalWithExtra(plain(m), m.Extra)
}

func (u *Usage) UnmarshalJSON(data []byte) error {
	type plain Usage
	return unmarshalWithExtra(data, (*plain)(u), &u.Extra)
}

func (u Usage) MarshalJSON() ([]byte, error) {
	type plain Usage
	return marshalWithExtra(plain(u), u.Extra)
}

func (c *StreamChunk) UnmarshalJSON(data []byte) error {
	type plain StreamChunk
	return unmarshalWithExtra(data, (*plain)(c), &c.Extra)
}

func (c StreamChunk) MarshalJSON() ([]byte, error) {
	type plain StreamChunk
	return marshalWithExtra(plain(c), c.Extra)
}

// UnmarshalJSON also tolerates the null finish_reason OpenAI-compatible APIs
// send on intermediate chunks; null leaves the string empty.
func (c *StreamChoice) UnmarshalJSON(data []byte) error {
	type plain StreamChoice
	return unmarshalWithExtra(data, (*plain)(c), &c.Extra)
}

func (c StreamChoice) MarshalJSON() ([]byte, error) {
	type plain StreamChoice
	return marshalWithExtra(plain(c), c.Extra)
}

func (d *Delta) UnmarshalJSON(data []byte) error {
	type plain Delta
	return unmarshalWithExtra(data, (*plain)(d), &d.Extra)
}

func (d Delta) MarshalJSON() ([]byte, error) {
	type plain Delta
	return marshalWithExtra(plain(d), d.Extra)
}

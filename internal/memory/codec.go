package memory

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"unicode/utf8"
)

// ErrStoreCorrupt is returned by Decode when the persisted blob cannot be parsed.
var ErrStoreCorrupt = errors.New("memory store corrupt")

// Decode parses a persisted store document. On any failure it returns an
// empty, usable Store together with an error wrapping ErrStoreCorrupt.
// Turns with an unknown role are dropped.
func Decode(data []byte) (Store, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return Store{}, nil
	}

	var raw map[string]UserState
	if err := json.Unmarshal(data, &raw); err != nil {
		return Store{}, fmt.Errorf("%w: %v", ErrStoreCorrupt, err)
	}

	store := make(Store, len(raw))
	for id, state := range raw {
		state.History = validTurns(state.History)
		store[id] = state
	}
	return store, nil
}

// Encode renders the store as two-space indented JSON with non-ASCII text
// (including U+2028 and U+2029) and HTML characters left unescaped, so the
// file stays readable by hand.
func Encode(store Store) ([]byte, error) {
	out := make(map[string]UserState, len(store))
	for id, state := range store {
		if state.History == nil {
			state.History = []Turn{}
		}
		out[id] = state
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(out); err != nil {
		return nil, fmt.Errorf("encode memory store: %w", err)
	}
	return unescapeLineSeparators(buf.Bytes()), nil
}

// validTurns returns history without turns whose role is unknown. The result
// is never nil.
func validTurns(history []Turn) []Turn {
	out := make([]Turn, 0, len(history))
	for _, t := range history {
		if t.Role.Valid() {
			out = append(out, t)
		}
	}
	return out
}

// unescapeLineSeparators undoes encoding/json's unconditional \u2028 and
// \u2029 escapes. Every backslash in encoder output starts an escape, so
// pairs are consumed whole and an escaped backslash is never misread.
func unescapeLineSeparators(data []byte) []byte {
	if !bytes.Contains(data, []byte(`\u202`)) {
		return data
	}
	out := make([]byte, 0, len(data))
	for i := 0; i < len(data); i++ {
		c := data[i]
		if c != '\\' || i+1 >= len(data) {
			out = append(out, c)
			continue
		}
		if i+5 < len(data) && data[i+1] == 'u' && string(data[i+2:i+5]) == "202" && (data[i+5] == '8' || data[i+5] == '9') {
			r := '\u2028'
			if data[i+5] == '9' {
				r = '\u2029'
			}
			out = utf8.AppendRune(out, r)
			i += 5
			continue
		}
		out = append(out, c, data[i+1])
		i++
	}
	return out
}

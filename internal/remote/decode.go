package remote

import (
	"strings"

	"github.com/tidwall/gjson"
)

// DefaultMarkers identify mutating methods.
var DefaultMarkers = []string{"write", "edit"}

// Mutation is a file-modifying operation announced by the remote agent.
type Mutation struct {
	// Method is the tool or method name that matched a marker.
	Method string
	// Path is the target path exactly as sent, before normalization.
	Path string
}

// Decode extracts mutations from one message payload. Payloads that are
// not JSON, or carry no mutating method with a path, yield nothing.
// A JSON array is treated as a batch of messages.
func Decode(payload []byte, markers []string) []Mutation {
	if !gjson.ValidBytes(payload) {
		return nil
	}
	msg := gjson.ParseBytes(payload)

	if msg.IsArray() {
		var out []Mutation
		msg.ForEach(func(_, item gjson.Result) bool {
			if m, ok := decodeOne(item, markers); ok {
				out = append(out, m)
			}
			return true
		})
		return out
	}

	if m, ok := decodeOne(msg, markers); ok {
		return []Mutation{m}
	}
	return nil
}

func decodeOne(msg gjson.Result, markers []string) (Mutation, bool) {
	if !msg.IsObject() {
		return Mutation{}, false
	}

	name := msg.Get("method").String()
	if strings.EqualFold(name, "tools/call") {
		name = msg.Get("params.name").String()
	}
	if !isMutation(name, markers) {
		return Mutation{}, false
	}

	path := msg.Get("params.arguments.path")
	if !path.Exists() || path.String() == "" {
		path = msg.Get("params.arguments.file_path")
	}
	if path.Type != gjson.String || path.String() == "" {
		return Mutation{}, false
	}

	return Mutation{Method: name, Path: path.String()}, true
}

func isMutation(name string, markers []string) bool {
	if name == "" {
		return false
	}
	lower := strings.ToLower(name)
	for _, m := range markers {
		if m != "" && strings.Contains(lower, strings.ToLower(m)) {
			return true
		}
	}
	return false
}

package screening

import (
	"strings"

	"github.com/tidwall/gjson"
)

// Canonical-text bounds: texts outside this window skip policy
// classification entirely.
const (
	MinClassifiableLen = 10
	MaxClassifiableLen = 2000
)

// CanonicalText extracts the text to classify from a request body.
// Preference order: the concatenation of messages[*].content, then
// prompt, then input, then the serialised body itself.
//
// Chat message content may be a plain string or an array of typed parts;
// only text parts contribute.
func CanonicalText(body []byte) string {
	if msgs := gjson.GetBytes(body, "messages"); msgs.IsArray() && len(msgs.Array()) > 0 {
		var parts []string
		for _, msg := range msgs.Array() {
			content := msg.Get("content")
			switch {
			case content.Type == gjson.String:
				parts = append(parts, content.String())
			case content.IsArray():
				for _, part := range content.Array() {
					if part.Get("type").String() == "text" {
						parts = append(parts, part.Get("text").String())
					}
				}
			}
		}
		return strings.Join(parts, " ")
	}

	if prompt := gjson.GetBytes(body, "prompt"); prompt.Exists() {
		return prompt.String()
	}

	if input := gjson.GetBytes(body, "input"); input.Exists() {
		if input.IsArray() {
			var parts []string
			for _, item := range input.Array() {
				parts = append(parts, item.String())
			}
			return strings.Join(parts, " ")
		}
		return input.String()
	}

	return string(body)
}

// Classifiable reports whether text falls inside the length window the
// classifier accepts.
func Classifiable(text string) bool {
	n := len(text)
	return n >= MinClassifiableLen && n <= MaxClassifiableLen
}

package bridge

import (
	"encoding/json"

	"github.com/invopop/jsonschema"

	"github.com/jmcarbo/ssebridge/frame"
)

// DefaultChallengeEventType is the SSE event type used for injected
// challenge events unless the factory is configured otherwise.
const DefaultChallengeEventType = "challenge"

// ChallengePayload is the JSON body of an injected challenge event: the
// request method the peer challenged, and every non-pseudo header of the
// challenge whose name is longer than one byte.
type ChallengePayload struct {
	Method  string            `json:"method,omitempty"`
	Headers map[string]string `json:"headers"`
}

// ChallengeSchema returns the JSON schema of the challenge event payload,
// with all definitions inlined.
func ChallengeSchema() *jsonschema.Schema {
	reflector := jsonschema.Reflector{DoNotReference: true}
	return reflector.Reflect(&ChallengePayload{})
}

// challengeJSON serializes a challenge header list. The :method pseudo-header
// becomes the method property; other pseudo-headers are discarded; every other
// header whose name is longer than one byte becomes a headers property.
func challengeJSON(ex *frame.HTTPChallengeEx) ([]byte, error) {
	payload := ChallengePayload{Headers: make(map[string]string)}
	for _, h := range ex.Headers {
		if h.Pseudo() {
			if h.Name == headerMethod {
				payload.Method = h.Value
			}
			continue
		}
		if len(h.Name) > 1 {
			payload.Headers[h.Name] = h.Value
		}
	}
	return json.Marshal(&payload)
}

package deltasync

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

// Request is a GraphQL document with its variables.
type Request struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables,omitempty"`
}

// OperationHash identifies a base/subscription/delta combination across
// restarts. Variables are hashed in key order so map iteration does not
// change the result. Empty requests are skipped.
func OperationHash(requests ...Request) string {
	h := sha256.New()
	for _, r := range requests {
		if r.Query == "" {
			continue
		}
		h.Write([]byte(r.Query))
		if len(r.Variables) > 0 {
			// encoding/json sorts map keys
			vars, err := json.Marshal(r.Variables)
			if err == nil {
				h.Write(vars)
			}
		}
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

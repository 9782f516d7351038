package envspec

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/dojoworks/dojo/internal/apperr"
)

// Structural limits applied to raw payloads before any deep decode.
// These are security caps, not validation: a payload that trips one is
// treated as hostile and rejected with a security error.
const (
	MaxPayloadBytes = 2 << 20 // 2 MiB
	MaxJSONDepth    = 64
)

// StructuralGuard checks a raw spec payload for size and shape abuse
// without fully decoding it. It walks the token stream once, tracking
// nesting depth, and rejects anything that is not a JSON object or that
// exceeds the structural caps.
func StructuralGuard(raw []byte) error {
	if len(raw) == 0 {
		return apperr.Security("empty payload")
	}
	if len(raw) > MaxPayloadBytes {
		return apperr.Security(fmt.Sprintf("payload of %d bytes exceeds cap %d", len(raw), MaxPayloadBytes))
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	depth := 0
	first := true
	for {
		tok, err := dec.Token()
		if err != nil {
			if depth == 0 && !first {
				break // clean EOF after a balanced document
			}
			return apperr.Security("malformed json payload")
		}
		if first {
			if d, ok := tok.(json.Delim); !ok || d != '{' {
				return apperr.Security("payload must be a json object")
			}
			first = false
		}
		if d, ok := tok.(json.Delim); ok {
			switch d {
			case '{', '[':
				depth++
				if depth > MaxJSONDepth {
					return apperr.Security(fmt.Sprintf("json nesting exceeds %d levels", MaxJSONDepth))
				}
			case '}', ']':
				depth--
			}
		}
		if depth == 0 && !first {
			// Balanced; anything after the document is trailing garbage.
			if _, err := dec.Token(); err == nil {
				return apperr.Security("trailing data after json document")
			}
			break
		}
	}
	return nil
}

// Parse guards, decodes, and validates a raw spec payload in one pass.
// Returned errors carry the security or validation code so callers can
// map them straight onto responses.
func Parse(raw []byte) (*EnvSpec, error) {
	if err := StructuralGuard(raw); err != nil {
		return nil, err
	}
	var s EnvSpec
	dec := json.NewDecoder(bytes.NewReader(raw))
	if err := dec.Decode(&s); err != nil {
		return nil, apperr.Validation("spec", fmt.Sprintf("invalid spec json: %v", err))
	}
	if err := Validate(&s); err != nil {
		return nil, err
	}
	return &s, nil
}

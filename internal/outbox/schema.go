package outbox

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

var payloadSchemas = map[Kind]string{
	KindCreatePost: `{
		"type": "object",
		"required": ["content"],
		"properties": {
			"clientRef": {"type": "string"},
			"content": {"type": "string", "minLength": 1, "maxLength": 3000}
		}
	}`,
	KindUpdatePost: `{
		"type": "object",
		"required": ["postId", "content"],
		"properties": {
			"postId": {"type": "string", "minLength": 1},
			"content": {"type": "string", "minLength": 1, "maxLength": 3000}
		}
	}`,
	KindDeletePost: `{
		"type": "object",
		"required": ["postId"],
		"properties": {"postId": {"type": "string", "minLength": 1}}
	}`,
	KindLikePost: `{
		"type": "object",
		"required": ["postId", "liked"],
		"properties": {
			"postId": {"type": "string", "minLength": 1},
			"liked": {"type": "boolean"}
		}
	}`,
	KindUpdateProfile: `{
		"type": "object",
		"required": ["userId", "change"],
		"properties": {
			"userId": {"type": "string", "minLength": 1},
			"change": {
				"type": "object",
				"minProperties": 1,
				"properties": {
					"name": {"type": "string", "minLength": 1, "maxLength": 120},
					"headline": {"type": "string", "maxLength": 220},
					"location": {"type": "string", "maxLength": 120},
					"bio": {"type": "string", "maxLength": 2600},
					"skills": {"type": "array", "items": {"type": "string"}, "maxItems": 50},
					"avatarUrl": {"type": "string"}
				},
				"additionalProperties": false
			}
		}
	}`,
}

var (
	compileOnce sync.Once
	compiled    map[Kind]*jsonschema.Schema
	compileErr  error
)

func schemas() (map[Kind]*jsonschema.Schema, error) {
	compileOnce.Do(func() {
		c := jsonschema.NewCompiler()
		out := make(map[Kind]*jsonschema.Schema, len(payloadSchemas))
		for kind, src := range payloadSchemas {
			doc, err := jsonschema.UnmarshalJSON(strings.NewReader(src))
			if err != nil {
				compileErr = fmt.Errorf("schema %s: %w", kind, err)
				return
			}
			loc := "https://relaysync.local/schemas/outbox/" + string(kind) + ".json"
			if err := c.AddResource(loc, doc); err != nil {
				compileErr = fmt.Errorf("schema %s: %w", kind, err)
				return
			}
			sch, err := c.Compile(loc)
			if err != nil {
				compileErr = fmt.Errorf("schema %s: %w", kind, err)
				return
			}
			out[kind] = sch
		}
		compiled = out
	})
	return compiled, compileErr
}

// validatePayload checks raw against the schema registered for kind.
func validatePayload(kind Kind, raw []byte) error {
	all, err := schemas()
	if err != nil {
		return err
	}
	sch, ok := all[kind]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if err := sch.Validate(inst); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return nil
}

// Validate reports whether p would be accepted by Enqueue.
func Validate(p Payload) error {
	if p == nil {
		return fmt.Errorf("%w: payload is required", ErrInvalidPayload)
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return validatePayload(p.Kind(), raw)
}

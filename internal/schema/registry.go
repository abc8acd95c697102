package schema

import (
	"sync"

	"github.com/questforge/relay/internal/message"
)

// Registry maps message types to content schemas. Registration is optional;
// message types without a registered schema pass validation unchecked.
type Registry struct {
	mu        sync.RWMutex
	schemas   map[message.Type][]byte
	validator *Validator
}

// NewRegistry creates an empty schema registry
func NewRegistry() *Registry {
	return &Registry{
		schemas:   make(map[message.Type][]byte),
		validator: NewValidator(),
	}
}

// Register associates a JSON schema definition with a message type.
// The definition is compiled eagerly so malformed schemas fail fast.
func (r *Registry) Register(msgType message.Type, definition []byte) error {
	if _, err := r.validator.CompileSchema(definition); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.schemas[msgType] = definition
	return nil
}

// ValidateContent validates a content payload against the schema registered
// for the message type, if any
func (r *Registry) ValidateContent(msgType message.Type, content []byte) error {
	r.mu.RLock()
	definition, exists := r.schemas[msgType]
	r.mu.RUnlock()

	if !exists {
		return nil
	}
	return r.validator.Validate(content, definition)
}

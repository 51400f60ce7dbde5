package es

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/codewandler/cqrs-go/internal/reflector"
)

// SchemaVersioned is implemented by event payloads whose schema has evolved
// past version 1. The registry uses it to decide which upcasters to apply.
type SchemaVersioned interface {
	EventSchemaVersion() int
}

// Upcaster is a pure function that converts a payload from one schema
// version to the next. Upcasters are registered per (event type, from
// version) and chained until the current version is reached.
type Upcaster func(data json.RawMessage) (json.RawMessage, error)

type registration struct {
	ctor          func() any
	schemaVersion int
}

// EventRegistry maps event type names to constructors so persisted events
// can be decoded, and holds the upcaster chains for evolved payloads.
type EventRegistry struct {
	mu        sync.RWMutex
	news      map[string]registration
	upcasters map[string]map[int]Upcaster
}

func NewRegistry() *EventRegistry {
	return &EventRegistry{
		news:      map[string]registration{},
		upcasters: map[string]map[int]Upcaster{},
	}
}

func (r *EventRegistry) Register(eventType string, ctor func() any) {
	schemaVersion := getSchemaVersionOf(ctor())
	r.mu.Lock()
	defer r.mu.Unlock()
	r.news[eventType] = registration{ctor: ctor, schemaVersion: schemaVersion}
}

// RegisterUpcaster registers the conversion from fromVersion to
// fromVersion+1 for the given event type.
func (r *EventRegistry) RegisterUpcaster(eventType string, fromVersion int, up Upcaster) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ups, ok := r.upcasters[eventType]
	if !ok {
		ups = map[int]Upcaster{}
		r.upcasters[eventType] = ups
	}
	ups[fromVersion] = up
}

// Decode reconstructs the event payload of env, upcasting older schema
// versions to the registered current shape first.
func (r *EventRegistry) Decode(env Envelope) (any, error) {
	r.mu.RLock()
	reg, ok := r.news[env.Type]
	ups := r.upcasters[env.Type]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownEventType, env.Type)
	}

	data := env.Data
	from := env.SchemaVersion
	if from == 0 {
		from = 1
	}
	for v := from; v < reg.schemaVersion; v++ {
		up, ok := ups[v]
		if !ok {
			return nil, fmt.Errorf("%w: %s v%d -> v%d", ErrNoUpcaster, env.Type, v, v+1)
		}
		var err error
		data, err = up(data)
		if err != nil {
			return nil, fmt.Errorf("upcast %s v%d failed: %w", env.Type, v, err)
		}
	}

	ev := reg.ctor()
	if data != nil {
		if err := json.Unmarshal(data, ev); err != nil {
			return nil, err
		}
	}
	return ev, nil
}

type Registrar interface {
	Register(eventType string, ctor func() any)
	RegisterUpcaster(eventType string, fromVersion int, up Upcaster)
}

func RegisterEventFor[T any](r Registrar) {
	ti := reflector.TypeInfoFor[T]()
	r.Register(ti.Name, func() any { return any(new(T)) })
}

// Event returns a reflection-free constructor for an event of type T.
func Event[T any]() func() any { return func() any { return new(T) } }

// RegisterEvents registers event constructors. Each constructor is invoked
// once to derive the event type name; future decodes call the constructor
// again so every decode produces a fresh instance.
func RegisterEvents(r Registrar, ctors ...func() any) {
	for _, ctor := range ctors {
		sample := ctor()
		r.Register(getEventTypeOf(sample), ctor)
	}
}

var _ Decoder = (*EventRegistry)(nil)

package es

import (
	"encoding/json"
	"fmt"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"

	"github.com/codewandler/cqrs-go/internal/reflector"
)

// Metadata carries caller-supplied context that is persisted verbatim with
// every event. CausationID and Actor are optional.
type Metadata struct {
	CorrelationID string `json:"correlation_id,omitempty"`
	CausationID   string `json:"causation_id,omitempty"`
	Actor         string `json:"actor,omitempty"`
}

// Envelope wraps an event payload for persistence. It is the unit of storage
// in the EventStore: once appended, none of its fields ever change.
type Envelope struct {
	// ID is the unique identifier of this event.
	ID string `json:"id"`
	// Seq is the global sequence number assigned by the store on append.
	// It provides append-order across all streams; no causal ordering
	// beyond that is implied.
	Seq uint64 `json:"seq"`
	// Version is the per-stream version (1, 2, 3, ...).
	Version Version `json:"version"`

	Tenant        string `json:"tenant"`
	AggregateType string `json:"aggregate_type"`
	AggregateID   string `json:"aggregate_id"`

	// Type is the event type name used for decode routing.
	Type string `json:"type"`
	// SchemaVersion is the payload schema version; decoders upcast older
	// versions to the current shape before unmarshalling.
	SchemaVersion int `json:"schema_version"`

	OccurredAt time.Time `json:"occurred_at"`
	Meta       Metadata  `json:"meta"`

	// Data is the JSON-encoded event payload.
	Data json.RawMessage `json:"data"`
}

func (e Envelope) Stream() StreamID {
	return StreamID{Tenant: e.Tenant, AggregateType: e.AggregateType, AggregateID: e.AggregateID}
}

func (e Envelope) Validate() error {
	if e.ID == "" {
		return fmt.Errorf("envelope id is empty")
	}
	if e.OccurredAt.IsZero() {
		return fmt.Errorf("envelope occurred at is zero")
	}
	if e.Type == "" {
		return fmt.Errorf("envelope type is empty")
	}
	if e.SchemaVersion < 1 {
		return fmt.Errorf("envelope schema version must be >= 1")
	}
	if e.Version < 1 {
		return fmt.Errorf("envelope version must be >= 1")
	}
	return e.Stream().Validate()
}

type Decoder interface{ Decode(e Envelope) (any, error) }

// NewEnvelope encodes ev into an envelope for the given stream position.
// The schema version is taken from the event when it implements
// SchemaVersioned, 1 otherwise.
func NewEnvelope(stream StreamID, version Version, meta Metadata, ev any) (Envelope, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return Envelope{}, err
	}
	env := Envelope{
		ID:            gonanoid.Must(),
		Type:          getEventTypeOf(ev),
		SchemaVersion: getSchemaVersionOf(ev),
		Tenant:        stream.Tenant,
		AggregateType: stream.AggregateType,
		AggregateID:   stream.AggregateID,
		Version:       version,
		OccurredAt:    time.Now(),
		Meta:          meta,
		Data:          data,
	}
	return env, env.Validate()
}

func getEventTypeOf(ev any) string {
	if t, ok := ev.(interface{ EventType() string }); ok {
		return t.EventType()
	}
	return reflector.TypeInfoOf(ev).Name
}

func getSchemaVersionOf(ev any) int {
	if sv, ok := ev.(SchemaVersioned); ok {
		return sv.EventSchemaVersion()
	}
	return 1
}

package es_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codewandler/cqrs-go/core/es"
)

// profileUpdatedV2 is the current schema; v1 had a single "name" field that
// was split into first/last.
type profileUpdatedV2 struct {
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
}

func (profileUpdatedV2) EventType() string       { return "profileUpdated" }
func (profileUpdatedV2) EventSchemaVersion() int { return 2 }

func splitNameUpcaster(data json.RawMessage) (json.RawMessage, error) {
	var v1 struct {
		Name string `json:"name"`
	}
	if err := json.Unmarshal(data, &v1); err != nil {
		return nil, err
	}
	return json.Marshal(profileUpdatedV2{FirstName: v1.Name})
}

func TestRegistry_decode(t *testing.T) {
	reg := es.NewRegistry()
	reg.Register("profileUpdated", es.Event[profileUpdatedV2]())

	env := es.Envelope{Type: "profileUpdated", SchemaVersion: 2, Data: []byte(`{"first_name":"ada","last_name":"l"}`)}
	ev, err := reg.Decode(env)
	require.NoError(t, err)
	require.IsType(t, &profileUpdatedV2{}, ev)
	assert.Equal(t, "ada", ev.(*profileUpdatedV2).FirstName)
}

func TestRegistry_decodeUpcastsOldSchema(t *testing.T) {
	reg := es.NewRegistry()
	reg.Register("profileUpdated", es.Event[profileUpdatedV2]())
	reg.RegisterUpcaster("profileUpdated", 1, splitNameUpcaster)

	env := es.Envelope{Type: "profileUpdated", SchemaVersion: 1, Data: []byte(`{"name":"ada"}`)}
	ev, err := reg.Decode(env)
	require.NoError(t, err)
	assert.Equal(t, "ada", ev.(*profileUpdatedV2).FirstName)
	assert.Empty(t, ev.(*profileUpdatedV2).LastName)
}

func TestRegistry_decodeMissingUpcaster(t *testing.T) {
	reg := es.NewRegistry()
	reg.Register("profileUpdated", es.Event[profileUpdatedV2]())

	env := es.Envelope{Type: "profileUpdated", SchemaVersion: 1, Data: []byte(`{"name":"ada"}`)}
	_, err := reg.Decode(env)
	require.ErrorIs(t, err, es.ErrNoUpcaster)
}

func TestRegistry_decodeUnknownType(t *testing.T) {
	reg := es.NewRegistry()
	_, err := reg.Decode(es.Envelope{Type: "nope", SchemaVersion: 1})
	require.ErrorIs(t, err, es.ErrUnknownEventType)
}

func TestEnv_upcastThroughRepository(t *testing.T) {
	ctx := context.Background()
	env := es.StartTestEnv(t)
	env.Registry().Register("profileUpdated", es.Event[profileUpdatedV2]())
	env.Registry().RegisterUpcaster("profileUpdated", 1, splitNameUpcaster)

	// a v1 envelope as an older writer would have persisted it
	stream := es.StreamID{Tenant: "t1", AggregateType: "profile", AggregateID: "p1"}
	old := es.Envelope{
		ID:            "legacy-1",
		Version:       1,
		Tenant:        stream.Tenant,
		AggregateType: stream.AggregateType,
		AggregateID:   stream.AggregateID,
		Type:          "profileUpdated",
		SchemaVersion: 1,
		OccurredAt:    time.Now(),
		Data:          []byte(`{"name":"ada"}`),
	}
	_, err := env.Store().Append(ctx, stream, 0, []es.Envelope{old})
	require.NoError(t, err)

	loaded, err := env.Store().Load(ctx, stream)
	require.NoError(t, err)
	require.Len(t, loaded, 1)

	ev, err := env.Registry().Decode(loaded[0])
	require.NoError(t, err)
	assert.Equal(t, "ada", ev.(*profileUpdatedV2).FirstName)
}

func TestStreamID_keyRoundTrip(t *testing.T) {
	s := es.StreamID{Tenant: "t1", AggregateType: "account", AggregateID: "a1"}
	parsed, err := es.ParseStreamKey(s.Key())
	require.NoError(t, err)
	assert.Equal(t, s, parsed)

	require.Error(t, es.StreamID{Tenant: "t.1", AggregateType: "a", AggregateID: "b"}.Validate())
	require.Error(t, es.StreamID{AggregateType: "a", AggregateID: "b"}.Validate())
}

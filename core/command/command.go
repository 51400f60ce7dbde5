// Package command routes commands to aggregate handlers. A dispatcher
// resolves the handler by command type, serializes execution per stream,
// retries bounded on concurrency conflicts and deduplicates by command id
// so a retried command never appends its events twice.
package command

import (
	"context"
	"reflect"

	"github.com/codewandler/cqrs-go/core/es"
	"github.com/codewandler/cqrs-go/internal/reflector"
)

type (
	// Command is a request to change one aggregate. CommandID must be unique
	// per logical command; resubmitting the same id replays the recorded
	// result instead of executing again.
	Command interface {
		CommandID() string
		Stream() es.StreamID
	}

	// Validating commands are checked before any handler runs; a validation
	// failure is a rejection and is never retried.
	Validating interface {
		Validate() error
	}

	// MetadataProvider lets a command attach correlation metadata to the
	// events it produces.
	MetadataProvider interface {
		CommandMeta() es.Metadata
	}

	// Authorizer is consulted before a command executes. A non-nil error
	// aborts the dispatch.
	Authorizer func(ctx context.Context, cmd Command) error
)

type (
	AppliedEvent struct {
		ID   string `json:"id"`
		Type string `json:"type"`
		Seq  uint64 `json:"seq"`
	}

	// Result describes the outcome of a successful dispatch. Version is the
	// stream version after the command's events were appended; Events lists
	// them in order. A command whose handler raised no events still succeeds
	// with an empty Events list.
	Result struct {
		Stream  es.StreamID    `json:"stream"`
		Version es.Version     `json:"version"`
		Events  []AppliedEvent `json:"events"`

		// Replayed is true when the result was served from the idempotency
		// store rather than executed.
		Replayed bool `json:"-"`
	}
)

// CommandTypeOf returns the routing name for cmd: CommandType() when
// implemented, the qualified type name otherwise.
func CommandTypeOf(cmd Command) string {
	if t, ok := cmd.(interface{ CommandType() string }); ok {
		return t.CommandType()
	}
	return reflector.TypeInfoOf(cmd).Name
}

func commandTypeFor[C Command]() string {
	rt := reflect.TypeOf((*C)(nil)).Elem()
	var c C
	if rt.Kind() == reflect.Pointer {
		c = reflect.New(rt.Elem()).Interface().(C)
	}
	return CommandTypeOf(c)
}

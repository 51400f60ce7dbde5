package es

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
)

// StreamID identifies one aggregate stream. The tenant is an opaque
// partition key; two streams with the same aggregate type and id but
// different tenants are unrelated.
type StreamID struct {
	Tenant        string `json:"tenant"`
	AggregateType string `json:"aggregate_type"`
	AggregateID   string `json:"aggregate_id"`
}

// Key returns the storage key "tenant.aggregateType.aggregateID".
// The parts must not contain dots.
func (s StreamID) Key() string {
	return s.Tenant + "." + s.AggregateType + "." + s.AggregateID
}

func (s StreamID) Validate() error {
	if s.Tenant == "" {
		return errors.New("stream tenant is empty")
	}
	if s.AggregateType == "" {
		return errors.New("stream aggregate type is empty")
	}
	if s.AggregateID == "" {
		return errors.New("stream aggregate id is empty")
	}
	for _, p := range []string{s.Tenant, s.AggregateType, s.AggregateID} {
		if strings.Contains(p, ".") {
			return fmt.Errorf("stream id part %q contains a dot", p)
		}
	}
	return nil
}

func (s StreamID) SlogAttr() slog.Attr {
	return slog.Group(
		"stream",
		slog.String("tenant", s.Tenant),
		slog.String("type", s.AggregateType),
		slog.String("id", s.AggregateID),
	)
}

// ParseStreamKey is the inverse of Key.
func ParseStreamKey(key string) (StreamID, error) {
	parts := strings.SplitN(key, ".", 3)
	if len(parts) != 3 {
		return StreamID{}, fmt.Errorf("invalid stream key %q", key)
	}
	s := StreamID{Tenant: parts[0], AggregateType: parts[1], AggregateID: parts[2]}
	return s, s.Validate()
}

package es

import "log/slog"

// Version is the version of an aggregate stream. It increases by one for
// every appended event, starting at 1; a Version of 0 means the stream is
// empty. Appends succeed only when the caller's expected Version matches
// the stream's current one (optimistic concurrency).
type Version uint64

func (v Version) Uint64() uint64                         { return uint64(v) }
func (v Version) SlogAttr() slog.Attr                    { return newSlogVersionAttr("version", v) }
func (v Version) SlogAttrWithKey(key string) slog.Attr   { return newSlogVersionAttr(key, v) }
func newSlogVersionAttr(key string, v Version) slog.Attr { return slog.Uint64(key, uint64(v)) }

// Copyright (c) 2025 Jeremy Hahn
// Copyright (c) 2025 Automate The Things, LLC
//
// This file is part of go-p11engine.
//
// go-p11engine is dual-licensed:
//
// 1. GNU Affero General Public License v3.0 (AGPL-3.0)
//    See LICENSE file or visit https://www.gnu.org/licenses/agpl-3.0.html
//
// 2. Commercial License
//    Contact licensing@automatethethings.com for commercial licensing options.

// Package correlation tags a single lookup or crypto operation with an ID
// so that every log line it produces can be grouped together.
package correlation

import (
	"context"

	"github.com/google/uuid"
)

type contextKey string

// LookupIDKey is the context key for storing lookup IDs.
const LookupIDKey contextKey = "lookup-id"

// LogField is the structured log field name carrying the ID.
const LogField = "lookup_id"

// WithLookupID adds a lookup ID to the context.
func WithLookupID(ctx context.Context, id string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, LookupIDKey, id)
}

// LookupID retrieves the lookup ID from context.
// Returns an empty string if none is set.
func LookupID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if id, ok := ctx.Value(LookupIDKey).(string); ok {
		return id
	}
	return ""
}

// NewID generates a new UUID v4.
func NewID() string {
	return uuid.New().String()
}

// GetOrGenerate returns the lookup ID carried by ctx, or a fresh one.
func GetOrGenerate(ctx context.Context) string {
	if id := LookupID(ctx); id != "" {
		return id
	}
	return NewID()
}

// Ensure returns ctx carrying a lookup ID along with that ID. An existing
// ID is kept so nested calls share one.
func Ensure(ctx context.Context) (context.Context, string) {
	if id := LookupID(ctx); id != "" {
		return ctx, id
	}
	id := NewID()
	return WithLookupID(ctx, id), id
}

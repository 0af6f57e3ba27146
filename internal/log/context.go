// SPDX-License-Identifier: MIT

package log

import (
	"context"

	"github.com/rs/zerolog"
)

type ctxKey string

const (
	jobIDKey   ctxKey = "job_id"
	jobTypeKey ctxKey = "job_type"
	scanIDKey  ctxKey = "scan_id"
)

// ContextWithJob stores the job id and type in the context.
func ContextWithJob(ctx context.Context, id int64, jobType string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx = context.WithValue(ctx, jobIDKey, id)
	return context.WithValue(ctx, jobTypeKey, jobType)
}

// ContextWithScanID stores the scan job id in the context.
func ContextWithScanID(ctx context.Context, id string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, scanIDKey, id)
}

// JobIDFromContext extracts the job id from context, 0 if absent.
func JobIDFromContext(ctx context.Context) int64 {
	if ctx == nil {
		return 0
	}
	if v, ok := ctx.Value(jobIDKey).(int64); ok {
		return v
	}
	return 0
}

// ScanIDFromContext extracts the scan job id from context if present.
func ScanIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(scanIDKey).(string); ok {
		return v
	}
	return ""
}

// FromContext returns a logger enriched with job correlation fields from ctx.
func FromContext(ctx context.Context) zerolog.Logger {
	l := Base()
	if ctx == nil {
		return l
	}
	builder := l.With()
	added := false
	if id, ok := ctx.Value(jobIDKey).(int64); ok && id > 0 {
		builder = builder.Int64("job_id", id)
		added = true
	}
	if t, ok := ctx.Value(jobTypeKey).(string); ok && t != "" {
		builder = builder.Str("job_type", t)
		added = true
	}
	if sid, ok := ctx.Value(scanIDKey).(string); ok && sid != "" {
		builder = builder.Str("scan_id", sid)
		added = true
	}
	if !added {
		return l
	}
	return builder.Logger()
}

// WithComponentFromContext returns a component logger enriched from ctx.
func WithComponentFromContext(ctx context.Context, component string) zerolog.Logger {
	return FromContext(ctx).With().Str("component", component).Logger()
}

package appctx

import (
	"context"

	"github.com/sirupsen/logrus"
)

// ContextKey is the shared type for all context keys in this codebase.
// Keeping it in a tiny package avoids import cycles (config <-> utils).
type ContextKey string

func (c ContextKey) String() string { return string(c) }

var (
	ContextKeyToken         = ContextKey("Token")
	ContextKeyUserId        = ContextKey("UserId")
	ContextKeyUserRole      = ContextKey("UserRole")
	ContextKeyCorrelationId = ContextKey("CorrelationId")
	ContextKeyBatchId       = ContextKey("BatchId")
)

func GetString(ctx context.Context, key ContextKey) (string, bool) {
	v, ok := ctx.Value(key).(string)
	return v, ok
}

func GetInt(ctx context.Context, key ContextKey) (int, bool) {
	v, ok := ctx.Value(key).(int)
	return v, ok
}

func Set(ctx context.Context, key ContextKey, value any) context.Context {
	return context.WithValue(ctx, key, value)
}

// LogFields adds the correlation id and batch id carried by ctx to fields.
func LogFields(ctx context.Context, fields logrus.Fields) logrus.Fields {
	if fields == nil {
		fields = logrus.Fields{}
	}
	if cid, ok := GetString(ctx, ContextKeyCorrelationId); ok && cid != "" {
		fields["correlation_id"] = cid
	}
	if batchId, ok := GetInt(ctx, ContextKeyBatchId); ok {
		if _, set := fields["batch_id"]; !set {
			fields["batch_id"] = batchId
		}
	}
	return fields
}

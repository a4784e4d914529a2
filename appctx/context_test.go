package appctx

import (
	"context"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
)

func TestLogFields(t *testing.T) {
	ctx := Set(context.Background(), ContextKeyCorrelationId, "cid-1")
	ctx = Set(ctx, ContextKeyBatchId, 7)

	fields := LogFields(ctx, logrus.Fields{"field": "x"})
	assert.Equal(t, "cid-1", fields["correlation_id"])
	assert.Equal(t, 7, fields["batch_id"])
	assert.Equal(t, "x", fields["field"])

	fields = LogFields(ctx, logrus.Fields{"batch_id": 9})
	assert.Equal(t, 9, fields["batch_id"])

	assert.Empty(t, LogFields(context.Background(), nil))
}

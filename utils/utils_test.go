package utils

import (
	"context"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJwtRoundTrip(t *testing.T) {
	t.Setenv("JWT_SECRET", "test-secret")
	token, err := JwtGenerate(7, "Analyst", time.Hour)
	require.NoError(t, err)

	claim, err := JwtValidate(token)
	require.NoError(t, err)
	assert.Equal(t, 7, claim.ID)
	assert.Equal(t, "Analyst", claim.Role)

	t.Setenv("JWT_SECRET", "other-secret")
	_, err = JwtValidate(token)
	assert.Error(t, err)
}

func TestJwtValidate_Expired(t *testing.T) {
	token, err := JwtGenerate(7, "Viewer", -time.Minute)
	require.NoError(t, err)
	_, err = JwtValidate(token)
	assert.Error(t, err)
}

func TestSessionContext(t *testing.T) {
	ctx := SetSessionInContext(context.Background(), "tok", 3, "Admin")
	id, ok := GetUserIdFromContext(ctx)
	require.True(t, ok)
	assert.Equal(t, 3, id)
	role, _ := GetUserRoleFromContext(ctx)
	assert.Equal(t, "Admin", role)
	token, _ := GetTokenFromContext(ctx)
	assert.Equal(t, "tok", token)

	_, ok = GetCorrelationIdFromContext(ctx)
	assert.False(t, ok)
	cid, _ := GetCorrelationIdFromContext(SetCorrelationIdInContext(ctx, "c-1"))
	assert.Equal(t, "c-1", cid)
}

func TestProcessValidationErrors(t *testing.T) {
	type input struct {
		Name string `validate:"required"`
		Age  int    `validate:"gte=0"`
	}
	err := validator.New().Struct(input{Age: -1})
	got := ProcessValidationErrors(err)
	assert.Equal(t, map[string]string{"Name": "required", "Age": "gte"}, got)
}

func TestParsePositiveInt(t *testing.T) {
	n, ok := ParsePositiveInt(" 12 ")
	assert.True(t, ok)
	assert.Equal(t, 12, n)
	for _, bad := range []string{"0", "-1", "x", ""} {
		_, ok := ParsePositiveInt(bad)
		assert.False(t, ok, bad)
	}
	assert.Equal(t, []string{"a", "b"}, SplitAndTrim(" a, ,b "))
}

package ctxutil

import (
	"context"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

func TestEnsureTraceIDGeneratesOnce(t *testing.T) {
	ctx, first := EnsureTraceID(context.Background())
	assert.NotEmpty(t, first)

	_, second := EnsureTraceID(ctx)
	assert.Equal(t, first, second)
}

func TestTraceIDThroughGinContext(t *testing.T) {
	gin.SetMode(gin.TestMode)
	c, _ := gin.CreateTestContext(httptest.NewRecorder())

	ctx := WithGinContext(context.Background(), c)
	ctx = SetTraceID(ctx, "abc")

	v, ok := c.Get(TraceIDKey)
	assert.True(t, ok)
	assert.Equal(t, "abc", v)
	assert.Equal(t, "abc", GetTraceID(ctx))
}

func TestGetTraceIDMissing(t *testing.T) {
	assert.Empty(t, GetTraceID(context.Background()))
}

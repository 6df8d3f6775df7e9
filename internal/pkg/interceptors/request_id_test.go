package interceptors

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"google.golang.org/grpc/metadata"

	"github.com/jcmexdev/message-sagas/internal/pkg/interceptors/constants"
)

func TestRequestIDFromContext(t *testing.T) {
	assert.Equal(t, "unknown", RequestIDFromContext(context.Background()))

	ctx := context.WithValue(context.Background(), constants.ContextKeyRequestID, "abc")
	assert.Equal(t, "abc", RequestIDFromContext(ctx))
}

func TestGetMetadataValue(t *testing.T) {
	ctx := metadata.NewIncomingContext(context.Background(), metadata.Pairs(constants.HeaderXRequestId, "r-1"))
	assert.Equal(t, "r-1", GetMetadataValue(ctx, constants.HeaderXRequestId))
	assert.Equal(t, "", GetMetadataValue(context.Background(), constants.HeaderXRequestId))
}

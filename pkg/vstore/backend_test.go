package vstore_test

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"

	"github.com/tendant/vstore/pkg/vstore"
)

func TestTranslateBackendError(t *testing.T) {
	tests := []struct {
		name      string
		in        error
		notFound  bool
		transient bool
	}{
		{"no such key", &types.NoSuchKey{}, true, false},
		{"not found", &types.NotFound{}, true, false},
		{"no such version", &smithy.GenericAPIError{Code: "NoSuchVersion"}, true, false},
		{"slow down", &smithy.GenericAPIError{Code: "SlowDown"}, false, true},
		{"deadline", fmt.Errorf("get: %w", context.DeadlineExceeded), false, true},
		{"access denied", &smithy.GenericAPIError{Code: "AccessDenied"}, false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := vstore.TranslateBackendError(tt.in)
			assert.Error(t, got)
			assert.Equal(t, tt.notFound, errors.Is(got, vstore.ErrNotFound))
			assert.Equal(t, tt.transient, vstore.IsTransient(got))

			var apiErr smithy.APIError
			assert.False(t, errors.As(got, &apiErr), "backend error types must not leak")
		})
	}

	assert.NoError(t, vstore.TranslateBackendError(nil))
	assert.ErrorIs(t, vstore.TranslateBackendError(fmt.Errorf("x: %w", context.Canceled)), context.Canceled)
}

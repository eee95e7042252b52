package util

import (
	"context"
	stderrors "errors"
	"testing"

	"github.com/infigaming-com/go-spire/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCorrelationIdFromCtx(t *testing.T) {
	tests := []struct {
		name        string
		setupCtx    func() context.Context
		wantValue   string
		wantErrCode int64
	}{
		{
			name: "present",
			setupCtx: func() context.Context {
				return CorrelationIdToCtx(context.Background(), "corr-42")
			},
			wantValue: "corr-42",
		},
		{
			name:        "missing",
			setupCtx:    context.Background,
			wantErrCode: ErrCodeValueNotFoundInContext,
		},
		{
			name: "wrong type",
			setupCtx: func() context.Context {
				return context.WithValue(context.Background(), CorrelationIdKey, 42)
			},
			wantErrCode: ErrCodeInvalidValueInContext,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := CorrelationIdFromCtx(tt.setupCtx())
			if tt.wantErrCode != 0 {
				require.Error(t, err)
				var coded *errors.Error
				require.True(t, stderrors.As(err, &coded))
				assert.Equal(t, tt.wantErrCode, coded.GetCode())
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantValue, got)
		})
	}
}

func TestNewUUID(t *testing.T) {
	a, b := NewUUID(), NewUUID()
	assert.NotEmpty(t, a)
	assert.NotEqual(t, a, b)
}

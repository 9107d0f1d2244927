package errors

import (
	stderrors "errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_SetsCodeMessageAndStack(t *testing.T) {
	err := New(CodeFitFailed, "estimator returned non-zero status")
	require.NotNil(t, err)
	assert.Equal(t, CodeFitFailed, err.Code)
	assert.Equal(t, "estimator returned non-zero status", err.Message)
	assert.NotEmpty(t, err.Stack)
}

func TestError_FormatWithAndWithoutDetail(t *testing.T) {
	err := New(CodeDatasetLoad, "cannot open dataset")
	assert.Equal(t, "[DATA_001] cannot open dataset", err.Error())

	withDetail := err.WithDetail("path=/data/delaney.csv")
	assert.Equal(t, "[DATA_001] cannot open dataset: path=/data/delaney.csv", withDetail.Error())
	// Original is not mutated.
	assert.Empty(t, err.Detail)
}

func TestWrap_NilReturnsNil(t *testing.T) {
	assert.Nil(t, Wrap(nil, CodeInternal, "should vanish"))
}

func TestWrap_PreservesCodeWhenUnknown(t *testing.T) {
	inner := New(CodeParamLayerMismatch, "layer lists differ in length")
	outer := Wrap(inner, CodeUnknown, "normalization failed")
	assert.Equal(t, CodeParamLayerMismatch, outer.Code)
	assert.True(t, stderrors.Is(stderrors.Unwrap(outer), inner))
}

func TestWrap_OverridesCodeWhenExplicit(t *testing.T) {
	inner := fmt.Errorf("connection refused")
	outer := Wrap(inner, CodeObjectStore, "transformer upload failed")
	assert.Equal(t, CodeObjectStore, outer.Code)
}

func TestIsCode_TraversesChain(t *testing.T) {
	base := New(CodeCheckpointWrite, "cannot persist checkpoint")
	mid := Wrap(base, CodeUnknown, "persist phase failed")
	top := fmt.Errorf("run aborted: %w", mid)

	assert.True(t, IsCode(top, CodeCheckpointWrite))
	assert.False(t, IsCode(top, CodeCheckpointRead))
}

func TestIsValidation(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"plain validation", Validation("split fractions leave no room for training"), true},
		{"param code", New(CodeParamListNotAllowed, "learning_rate may not be a list"), true},
		{"wrapped param code", fmt.Errorf("outer: %w", New(CodeParamSplitFraction, "bad split")), true},
		{"non-validation", New(CodeFitFailed, "boom"), false},
		{"stdlib error", stderrors.New("boom"), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, IsValidation(tc.err))
		})
	}
}

func TestGetCode(t *testing.T) {
	assert.Equal(t, CodeOK, GetCode(nil))
	assert.Equal(t, CodeUnknown, GetCode(stderrors.New("opaque")))
	assert.Equal(t, CodeTrackerWrite, GetCode(New(CodeTrackerWrite, "insert failed")))
}

func TestWithDetailAndCause_NilReceiver(t *testing.T) {
	var e *AppError
	assert.Nil(t, e.WithDetail("x"))
	assert.Nil(t, e.WithCause(stderrors.New("y")))
}

package eryx

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindString(t *testing.T) {
	assert.Equal(t, "timeout", KindTimeout.String())
	assert.Equal(t, "policy", KindPolicy.String())
	assert.Equal(t, "unknown", Kind(99).String())
}

func TestErrorMessageIncludesCause(t *testing.T) {
	cause := errors.New("boom")
	err := newError(KindExecution, cause, "running %s", "code")
	assert.Contains(t, err.Error(), "execution")
	assert.Contains(t, err.Error(), "running code")
	assert.Contains(t, err.Error(), "boom")
}

func TestErrorUnwrapsToCause(t *testing.T) {
	cause := errors.New("boom")
	err := newError(KindTimeout, cause, "timed out")
	assert.ErrorIs(t, err, cause)
}

func TestErrorWithoutCauseOmitsTrailer(t *testing.T) {
	err := newError(KindPolicy, nil, "host denied")
	assert.Equal(t, "eryx: policy: host denied", err.Error())
}

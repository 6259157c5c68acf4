package efserrors_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/efscore/efs/efserrors"
)

func TestEFSErrorWithMessage(t *testing.T) {
	newErr := efserrors.ErrNoSpace.WithMessage("data area full")
	assert.Equal(t, "no space left in allocator: data area full", newErr.Error())
}

func TestEFSErrorWrap(t *testing.T) {
	original := errors.New("disk read failed")
	newErr := efserrors.ErrIO.WrapError(original)
	assert.Equal(t, "block device I/O failed: disk read failed", newErr.Error())
}

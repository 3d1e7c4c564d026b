package errors_test

import (
	"fmt"
	"io"
	"testing"

	"github.com/notargets/DGMesh/errors"
	"github.com/stretchr/testify/assert"
)

func TestIs(t *testing.T) {
	err := errors.New(errors.ErrSetup, "adaptor already prepared")
	assert.True(t, errors.Is(err, errors.ErrSetup))
	assert.False(t, errors.Is(err, errors.ErrFileFormat))

	wrapped := errors.Wrap(err, "migrate")
	assert.True(t, errors.Is(wrapped, errors.ErrSetup))
	assert.Equal(t, "migrate: adaptor already prepared", wrapped.Error())

	stdWrapped := fmt.Errorf("rank 3: %w", wrapped)
	assert.True(t, errors.Is(stdWrapped, errors.ErrSetup))
	assert.Equal(t, errors.ErrSetup, errors.CodeOf(stdWrapped))
}

func TestWrapCode(t *testing.T) {
	err := errors.WrapCode(io.ErrUnexpectedEOF, errors.ErrFileFormat, "reading cube.neu")
	assert.True(t, errors.Is(err, errors.ErrFileFormat))
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
	assert.Equal(t, "reading cube.neu: unexpected EOF", err.Error())
	assert.Nil(t, errors.WrapCode(nil, errors.ErrFileFormat, "x"))
	assert.Equal(t, errors.ErrUncoded, errors.CodeOf(io.EOF))
}

package tkey

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorIs(t *testing.T) {
	cause := errors.New("boom")
	err := fmt.Errorf("wrapped: %w", E(KindLockAcquisitionFailed, "SyncLocalMetadataTransitions", cause))

	assert.ErrorIs(t, err, ErrLockAcquisitionFailed)
	assert.NotErrorIs(t, err, ErrShareDeleted)
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, KindLockAcquisitionFailed, KindOf(err))
	assert.Equal(t, Kind(""), KindOf(cause))
	assert.Equal(t, "tkey.SyncLocalMetadataTransitions: lock_acquisition_failed: boom",
		errors.Unwrap(err).Error())
	assert.Equal(t, "tkey: share_deleted", ErrShareDeleted.Error())
}

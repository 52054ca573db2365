package validation_test

import (
	"testing"

	"github.com/dukex/aether/pkg/taxonomy"
	"github.com/dukex/aether/pkg/validation"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandshake(t *testing.T) {
	t.Parallel()

	t.Run("default version", func(t *testing.T) {
		t.Parallel()

		result := validation.Handshake("  ")
		assert.True(t, result.OK)
		assert.Nil(t, result.RequestedVersion)
		require.NotNil(t, result.SelectedVersion)
		assert.Equal(t, "1.0", *result.SelectedVersion)
		assert.Contains(t, result.Capabilities, "protocol.validation")
		assert.NoError(t, result.Err())
	})

	t.Run("explicit supported version", func(t *testing.T) {
		t.Parallel()

		result := validation.Handshake("1.0")
		assert.True(t, result.OK)
		require.NotNil(t, result.RequestedVersion)
		assert.Equal(t, "1.0", *result.RequestedVersion)
		assert.Nil(t, result.Mismatch)
	})

	t.Run("unsupported version", func(t *testing.T) {
		t.Parallel()

		result := validation.Handshake("2.0")
		assert.False(t, result.OK)
		assert.Nil(t, result.SelectedVersion)
		require.NotNil(t, result.Mismatch)
		assert.Equal(t, "unsupported_protocol_version", result.Mismatch.Reason)
		assert.Equal(t, []string{"1.0"}, result.Mismatch.SupportedVersions)

		err := result.Err()
		require.Error(t, err)
		assert.Equal(t, validation.CodeVersionMismatch, taxonomy.CodeOf(err))

		var coded *taxonomy.Error
		require.ErrorAs(t, err, &coded)
		assert.Equal(t, 400, coded.StatusCode)
		assert.Equal(t, "2.0", coded.Details["requestedVersion"])
	})
}

package synccore

import (
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewIdentity(t *testing.T) {
	id := NewIdentity()

	parts := strings.SplitN(id, "_", 2)
	require.Len(t, parts, 2)

	pid, err := strconv.Atoi(parts[0])
	require.NoError(t, err)
	assert.Greater(t, pid, 0)

	// Identities must differ even within the same second; the uuid segment
	// carries the entropy.
	assert.NotEqual(t, NewIdentity(), NewIdentity())
}

func TestOperationTypes(t *testing.T) {
	assert.Equal(t, OperationType("insert"), OpInsert)
	assert.Equal(t, OperationType("update"), OpUpdate)
	assert.Equal(t, OperationType("delete"), OpDelete)
}

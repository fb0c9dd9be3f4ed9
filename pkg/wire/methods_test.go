package wire

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsBufferedWhitelist(t *testing.T) {
	assert.True(t, IsBuffered(MethodGetSettings))
	assert.True(t, IsBuffered(MethodMachineGet))
	assert.False(t, IsBuffered(MethodConverse))
	assert.False(t, IsBuffered(MethodHeartbeat))
	assert.False(t, IsBuffered("Unknown/Method"))
}

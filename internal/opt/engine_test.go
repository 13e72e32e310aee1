//go:build !greedyonly

package opt

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDetect(t *testing.T) {
	assert.Equal(t, []string{EngineGreedy, EngineGuided}, Available())

	s, err := Detect("auto")
	require.NoError(t, err)
	assert.Equal(t, EngineGuided, s.Name())

	s, err = Detect("")
	require.NoError(t, err)
	assert.Equal(t, EngineGuided, s.Name())

	s, err = Detect(EngineGreedy)
	require.NoError(t, err)
	assert.Equal(t, EngineGreedy, s.Name())

	_, err = Detect("ortools")
	assert.Error(t, err)
}

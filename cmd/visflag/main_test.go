package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseIndices(t *testing.T) {
	got, err := parseIndices("")
	require.NoError(t, err)
	assert.Nil(t, got)

	got, err = parseIndices("0, 3,5-7")
	require.NoError(t, err)
	assert.Equal(t, []int{0, 3, 5, 6, 7}, got)

	for _, bad := range []string{"a", "3-1", "1-x", "1,,2"} {
		_, err := parseIndices(bad)
		assert.Error(t, err, bad)
	}
}

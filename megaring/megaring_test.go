package megaring

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAllocationValid(t *testing.T) {
	assert.False(t, Allocation{}.Valid())
	assert.True(t, Allocation{Buffer: "ring"}.Valid())
}

func TestBindingValid(t *testing.T) {
	assert.False(t, Binding{}.Valid())
	assert.True(t, Binding{Buffer: "ring"}.Valid())
}

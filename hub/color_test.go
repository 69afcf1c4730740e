package hub

import (
	"testing"

	"github.com/go-playground/assert/v2"
	mapset "github.com/deckarep/golang-set/v2"
)

func TestChooseColorAvoidsInUse(t *testing.T) {
	palette := []string{"red", "green", "blue"}

	inUse := mapset.NewThreadUnsafeSet[string]("red", "blue")
	for i := 0; i < 20; i += 1 {
		assert.Equal(t, "green", chooseColor(palette, inUse))
	}
}

func TestChooseColorExhausted(t *testing.T) {
	palette := []string{"red", "green", "blue"}

	inUse := mapset.NewThreadUnsafeSet[string]("red", "green", "blue")
	for i := 0; i < 20; i += 1 {
		color := chooseColor(palette, inUse)
		assert.Equal(t, true, inUse.Contains(color))
	}
}

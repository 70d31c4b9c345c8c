package workflow

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPath(t *testing.T) {
	assert.Equal(t, []string{"import", "tag", "decimate", "export"}, Path(Initial))
	assert.Equal(t, []string{"decimate", "export"}, Path(Decimate))
	assert.Nil(t, Path(nil))
}

func TestLookup(t *testing.T) {
	s, ok := Lookup("decimate")
	assert.True(t, ok)
	assert.Equal(t, GPU, s.Kind)
	assert.Same(t, Export, s.Next)

	_, ok = Lookup("render")
	assert.False(t, ok)
}

func TestAfter(t *testing.T) {
	next, done, ok := After("tag")
	assert.True(t, ok)
	assert.False(t, done)
	assert.Same(t, Decimate, next)

	next, done, ok = After("export")
	assert.True(t, ok)
	assert.True(t, done)
	assert.Nil(t, next)

	_, _, ok = After("nope")
	assert.False(t, ok)
}

package etagcache

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/sujayakar/public-domain/internal/coreerr"
	"github.com/sujayakar/public-domain/internal/tree"
)

type fakeStatter struct {
	files map[string]tree.File
}

func (f *fakeStatter) Stat(path string) (tree.File, error) {
	if v, ok := f.files[path]; ok {
		return v, nil
	}
	return tree.File{}, coreerr.ErrNotFound
}

func TestRegisterThenIsCurrent(t *testing.T) {
	statter := &fakeStatter{files: map[string]tree.File{"a": {Rev: "r1"}}}
	c := New(statter)

	st, _ := statter.Stat("a")
	c.Register("a", st, `"etag1"`)

	assert.True(t, c.IsCurrent("a", `"etag1"`))
}

func TestIsCurrentFalseOnRevChange(t *testing.T) {
	statter := &fakeStatter{files: map[string]tree.File{"a": {Rev: "r1"}}}
	c := New(statter)
	st, _ := statter.Stat("a")
	c.Register("a", st, `"etag1"`)

	statter.files["a"] = tree.File{Rev: "r2"}

	assert.False(t, c.IsCurrent("a", `"etag1"`))
	// stale record must have been evicted
	statter.files["a"] = tree.File{Rev: "r1"}
	assert.False(t, c.IsCurrent("a", `"etag1"`))
}

func TestIsCurrentFalseOnMismatchedEtag(t *testing.T) {
	statter := &fakeStatter{files: map[string]tree.File{"a": {Rev: "r1"}}}
	c := New(statter)
	st, _ := statter.Stat("a")
	c.Register("a", st, `"etag1"`)

	assert.False(t, c.IsCurrent("a", `"other"`))
}

func TestIsCurrentFalseWhenNeverRegistered(t *testing.T) {
	c := New(&fakeStatter{files: map[string]tree.File{}})
	assert.False(t, c.IsCurrent("never", `"x"`))
}

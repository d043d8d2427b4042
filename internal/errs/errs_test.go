package errs

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewAndKindOf(t *testing.T) {
	err := New(DuplicateName, "name already indexed")
	assert.Equal(t, DuplicateName, KindOf(err))
	assert.True(t, Is(err, DuplicateName))
	assert.False(t, Is(err, Overflow))
}

func TestKindOfDefaults(t *testing.T) {
	assert.Equal(t, Success, KindOf(nil))
	assert.Equal(t, InvalidArgument, KindOf(fmt.Errorf("plain error")))
}

func TestKindSurvivesWrapping(t *testing.T) {
	base := New(CorruptData, "bad checksum")
	wrapped := fmt.Errorf("volume: read chapter: %w", base)
	assert.Equal(t, CorruptData, KindOf(wrapped))
	assert.True(t, Is(wrapped, CorruptData))
}

func TestBenign(t *testing.T) {
	assert.True(t, Benign(New(Overflow, "slot full")))
	assert.True(t, Benign(New(DuplicateName, "dup")))
	assert.False(t, Benign(New(CorruptComponent, "bad")))
	assert.False(t, Benign(nil))
}

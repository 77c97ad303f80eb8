package announceclient

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTierSetCandidatesFlattensInOrder(t *testing.T) {
	ts := NewTierSet([][]string{
		{"http://a", "http://b"},
		{"http://c"},
	})
	assert.Equal(t, []string{"http://a", "http://b", "http://c"}, ts.Candidates())
}

func TestTierSetPromoteMovesWithinItsOwnTier(t *testing.T) {
	ts := NewTierSet([][]string{
		{"http://a", "http://b", "http://c"},
		{"http://d"},
	})
	ts.Promote("http://c")
	assert.Equal(t, []string{"http://c", "http://a", "http://b", "http://d"}, ts.Candidates())
}

func TestTierSetPromoteNeverCrossesTiers(t *testing.T) {
	ts := NewTierSet([][]string{
		{"http://a"},
		{"http://b", "http://c"},
	})
	ts.Promote("http://c")
	assert.Equal(t, []string{"http://a", "http://c", "http://b"}, ts.Candidates())
}

func TestTierSetPromoteUnknownURLIsNoop(t *testing.T) {
	ts := NewTierSet([][]string{{"http://a", "http://b"}})
	ts.Promote("http://nowhere")
	assert.Equal(t, []string{"http://a", "http://b"}, ts.Candidates())
}

func TestTierSetEmpty(t *testing.T) {
	ts := NewTierSet(nil)
	assert.Empty(t, ts.Candidates())
}

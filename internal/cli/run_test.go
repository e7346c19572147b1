package cli

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseIssueRef(t *testing.T) {
	ref, err := parseIssueRef("alice/widgets#7")
	require.NoError(t, err)
	assert.Equal(t, "alice", ref.Owner)
	assert.Equal(t, "widgets", ref.Repo)
	assert.Equal(t, 7, ref.Number)
	assert.Equal(t, "alice/widgets#7", ref.String())
}

func TestParseIssueRefRejectsMalformedInput(t *testing.T) {
	for _, bad := range []string{
		"",
		"alice",
		"alice/widgets",
		"alice/widgets#",
		"alice/widgets#zero",
		"alice/widgets#0",
		"alice/widgets#-3",
		"/widgets#7",
	} {
		_, err := parseIssueRef(bad)
		assert.Error(t, err, "reference %q must be rejected", bad)
	}
}

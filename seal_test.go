package useaid

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSealRichness(t *testing.T) {
	t.Run("bare seal scores zero", func(t *testing.T) {
		s := &SessionSeal{SessionID: "s-1", Client: "example-ide", Project: "untitled"}
		require.Equal(t, 0, s.Richness())
	})

	t.Run("each signal adds its weight", func(t *testing.T) {
		s := &SessionSeal{
			SessionID:      "s-1",
			Client:         "example-ide",
			Title:          "Add search",
			PrivateTitle:   "search for acme",
			ConversationID: "C1",
			Evaluation:     Evaluation{"productivity": 4},
			Languages:      []string{"go"},
			FilesTouched:   3,
			Project:        "acme",
		}
		require.Equal(t, 10+10+20+20+5+5+5, s.Richness())
	})

	t.Run("generic project names score nothing", func(t *testing.T) {
		for _, name := range []string{"", "untitled", "mcp", "unknown"} {
			s := &SessionSeal{Project: name}
			require.Equal(t, 0, s.Richness(), "project %q", name)
		}
		require.Equal(t, 5, (&SessionSeal{Project: "real-project"}).Richness())
	})

	t.Run("auto-sealed entry is poorer than recovered explicit end", func(t *testing.T) {
		auto := &SessionSeal{SessionID: "s-1", Client: "example-ide", AutoSealed: true}
		organic := &SessionSeal{
			SessionID: "s-1",
			Client:    "example-ide",
			Languages: []string{"rust"},
			Title:     "Fix parser",
			Recovered: true,
		}
		require.Greater(t, organic.Richness(), auto.Richness())
	})
}

func TestNormalizeMilestoneFields(t *testing.T) {
	require.Equal(t, "feature", NormalizeCategory("feature"))
	require.Equal(t, "other", NormalizeCategory("new-thing"))
	require.Equal(t, "complex", NormalizeComplexity("complex"))
	require.Equal(t, "medium", NormalizeComplexity(""))
}

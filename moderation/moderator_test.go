package moderation

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestModerator(t *testing.T, words ...string) *Moderator {
	t.Helper()
	moderator, err := NewModerator(words, '*')
	require.NoError(t, err)
	return moderator
}

func Test_Censor_Masks_Blacklisted_Word(t *testing.T) {
	req := require.New(t)
	moderator := newTestModerator(t, "idiot")

	masked, found := moderator.Censor("what an idiot move")

	req.Equal("what an ***** move", masked)
	req.Equal([]string{"idiot"}, found)
}

func Test_Censor_Clean_Content_Untouched(t *testing.T) {
	req := require.New(t)
	moderator := newTestModerator(t, "idiot", "scam")

	original := "see you at the station"
	masked, found := moderator.Censor(original)

	req.Equal(original, masked)
	req.Empty(found)
}

func Test_Censor_Folds_Leet_Speak(t *testing.T) {
	req := require.New(t)
	moderator := newTestModerator(t, "idiot")

	masked, found := moderator.Censor("you 1d10t")

	req.Equal("you *****", masked)
	req.Equal([]string{"idiot"}, found)
}

func Test_Censor_Ignores_Case_And_Punctuation_Gaps(t *testing.T) {
	req := require.New(t)
	moderator := newTestModerator(t, "scam")

	masked, found := moderator.Censor("total S.C.A.M here")

	req.Len(found, 1)
	req.NotContains(masked, "S.C.A.M")
}

func Test_LoadEmbedded_Dictionaries(t *testing.T) {
	req := require.New(t)

	words, err := LoadEmbedded()

	req.NoError(err)
	req.NotEmpty(words.Words)
	req.Contains(words.Languages, "en")
	req.Contains(words.Languages, "fr")
	// Comment lines never end up in the blacklist
	for _, word := range words.Words {
		req.NotContains(word, "#")
	}
}

package randname

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBotID_Format(t *testing.T) {
	id, err := BotID()
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(id, "bot-"))
	assert.Len(t, id, len("bot-")+16)
	assert.Equal(t, strings.ToLower(id), id)
}

func TestBotID_Unique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id, err := BotID()
		require.NoError(t, err)
		assert.False(t, seen[id])
		seen[id] = true
	}
}

func TestName_DeterministicWithSeed(t *testing.T) {
	a, err := Name(NewDeterministicSource(42))
	require.NoError(t, err)
	b, err := Name(NewDeterministicSource(42))
	require.NoError(t, err)
	assert.Equal(t, a, b)

	parts := strings.Split(a, " ")
	require.Len(t, parts, 2)
}

func TestName_CryptoSourceProducesTwoTitleCasedWords(t *testing.T) {
	name, err := Name(CryptoSource{})
	require.NoError(t, err)
	parts := strings.Split(name, " ")
	require.Len(t, parts, 2)
	for _, p := range parts {
		assert.Equal(t, strings.ToUpper(p[:1]), p[:1])
	}
}

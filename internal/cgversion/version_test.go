package cgversion

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOutdated(t *testing.T) {
	cases := []struct {
		bot, controller string
		want            bool
	}{
		{"0.0.1", "1.0.0", true},
		{"1.0.0", "1.0.0", false},
		{"1.2.0", "1.0.0", false},
		{"1.0.0-rc1", "1.0.0", true},
	}
	for _, c := range cases {
		got, err := Outdated(c.bot, c.controller)
		require.NoError(t, err)
		assert.Equal(t, c.want, got, "%s vs %s", c.bot, c.controller)
	}
}

func TestOutdated_InvalidVersionErrors(t *testing.T) {
	_, err := Outdated("not-a-version", "1.0.0")
	require.Error(t, err)
	_, err = Outdated("1.0.0", "")
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	require.NoError(t, Validate("2.3.1"))
	require.Error(t, Validate("bananas"))
}

package orderkey

import (
	"sort"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestKeysAboveProperties(t *testing.T) {
	anchors := []string{"", "a1", "az", "b00", "czZ9", "a1xyz"}

	for _, anchor := range anchors {
		keys, err := KeysAbove(anchor, 50)
		require.NoError(t, err, "anchor %q", anchor)
		require.Len(t, keys, 50)

		seen := make(map[string]struct{}, len(keys))
		for _, key := range keys {
			if anchor != "" {
				require.Greater(t, key, anchor, "key must sort above anchor %q", anchor)
			}
			_, dup := seen[key]
			require.False(t, dup, "duplicate key %q", key)
			seen[key] = struct{}{}
		}

		require.True(t, sort.StringsAreSorted(keys), "batch must be ascending: %v", keys)
	}
}

func TestKeysAboveChainsAcrossBatches(t *testing.T) {
	first, err := KeysAbove("", 10)
	require.NoError(t, err)

	second, err := KeysAbove(first[len(first)-1], 10)
	require.NoError(t, err)

	require.Greater(t, second[0], first[len(first)-1])
	combined := append(append([]string{}, first...), second...)
	require.True(t, sort.StringsAreSorted(combined))
}

func TestKeysAboveLengthRollover(t *testing.T) {
	keys, err := KeysAbove("az", 1)
	require.NoError(t, err)
	require.Equal(t, "b00", keys[0])
	require.Greater(t, keys[0], "az")
}

func TestKeysAboveEmptyAnchorStartsAtFirst(t *testing.T) {
	keys, err := KeysAbove("", 1)
	require.NoError(t, err)
	require.Equal(t, First, keys[0])
}

func TestKeysAboveRejectsMalformedAnchor(t *testing.T) {
	_, err := KeysAbove("!bogus", 1)
	require.Error(t, err)

	_, err = KeysAbove("z0", 1) // declared length longer than the key
	require.Error(t, err)
}

func TestKeysAboveZeroCount(t *testing.T) {
	keys, err := KeysAbove("a1", 0)
	require.NoError(t, err)
	require.Empty(t, keys)
}

package model_test

import (
	"testing"

	"github.com/CZERTAINLY/Camelia/internal/model"
	"github.com/stretchr/testify/require"
)

func TestParseVariant(t *testing.T) {
	t.Parallel()
	var testCases = []struct {
		scenario string
		given    string
		then     model.Variant
		err      bool
	}{
		{"empty uses default", "", model.VariantTransparentBlack, false},
		{"white bars", "white_bars", model.VariantWhiteBars, false},
		{"black bars padded", " black_bars ", model.VariantBlackBars, false},
		{"unknown", "pixelated", "", true},
	}
	for _, tc := range testCases {
		t.Run(tc.scenario, func(t *testing.T) {
			v, err := model.ParseVariant(tc.given)
			if tc.err {
				require.ErrorIs(t, err, model.ErrInvalidVariant)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tc.then, v)
		})
	}
}

func TestStatusTerminal(t *testing.T) {
	t.Parallel()
	require.False(t, model.StatusQueued.Terminal())
	require.False(t, model.StatusProcessing.Terminal())
	require.True(t, model.StatusCompleted.Terminal())
	require.True(t, model.StatusError.Terminal())
	require.True(t, model.StatusCancelled.Terminal())
}

func TestIsImageName(t *testing.T) {
	t.Parallel()
	for name, ok := range map[string]bool{
		"a.png":      true,
		"B.JPG":      true,
		"c.jpeg":     true,
		"d.webp":     true,
		"e.gif":      false,
		"noext":      false,
		".png.txt":   false,
		"dir/f.png":  true,
		"archive.7z": false,
	} {
		require.Equal(t, ok, model.IsImageName(name), name)
	}
}

func TestNewJobID(t *testing.T) {
	t.Parallel()
	a, b := model.NewJobID(), model.NewJobID()
	require.Len(t, a, 36)
	require.NotEqual(t, a, b)
}

package dedup

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestChooseOriginalPrefersMessagingTimestampPattern(t *testing.T) {
	paths := []string{
		"/sdcard/DCIM/Camera/photo_export.jpg",
		"/sdcard/WhatsApp/Media/WhatsApp Images/IMG-20230416-WA0030.jpg",
	}
	original, rest := chooseOriginal(paths)
	assert.Equal(t, "/sdcard/WhatsApp/Media/WhatsApp Images/IMG-20230416-WA0030.jpg", original)
	assert.Equal(t, []string{"/sdcard/DCIM/Camera/photo_export.jpg"}, rest)
}

func TestChooseOriginalOrdersMessagingByDateThenSequence(t *testing.T) {
	paths := []string{
		"/sdcard/WhatsApp/Media/WhatsApp Images/IMG-20230416-WA0030.jpg",
		"/sdcard/WhatsApp/Media/WhatsApp Images/IMG-20230101-WA0002.jpg",
		"/sdcard/WhatsApp/Media/WhatsApp Images/IMG-20230101-WA0001.jpg",
	}
	original, rest := chooseOriginal(paths)
	assert.Equal(t, "/sdcard/WhatsApp/Media/WhatsApp Images/IMG-20230101-WA0001.jpg", original)
	assert.ElementsMatch(t, []string{
		"/sdcard/WhatsApp/Media/WhatsApp Images/IMG-20230101-WA0002.jpg",
		"/sdcard/WhatsApp/Media/WhatsApp Images/IMG-20230416-WA0030.jpg",
	}, rest)
}

func TestChooseOriginalPrefersGenericTimestampOverUntimestamped(t *testing.T) {
	paths := []string{
		"/sdcard/DCIM/Camera/random_name.jpg",
		"/sdcard/DCIM/Camera/IMG_20230101_120000.jpg",
	}
	original, _ := chooseOriginal(paths)
	assert.Equal(t, "/sdcard/DCIM/Camera/IMG_20230101_120000.jpg", original)
}

func TestChooseOriginalFallsBackToShallowestThenShortestThenLexicographic(t *testing.T) {
	paths := []string{
		"/sdcard/DCIM/Camera/nested/deep/copy.jpg",
		"/sdcard/DCIM/Camera/copy_longer_name.jpg",
		"/sdcard/DCIM/Camera/copy.jpg",
	}
	original, rest := chooseOriginal(paths)
	assert.Equal(t, "/sdcard/DCIM/Camera/copy.jpg", original)
	assert.Len(t, rest, 2)
}

func TestChooseOriginalIsLexicographicAsFinalTiebreak(t *testing.T) {
	paths := []string{
		"/sdcard/DCIM/Camera/b.jpg",
		"/sdcard/DCIM/Camera/a.jpg",
	}
	original, rest := chooseOriginal(paths)
	assert.Equal(t, "/sdcard/DCIM/Camera/a.jpg", original)
	assert.Equal(t, []string{"/sdcard/DCIM/Camera/b.jpg"}, rest)
}

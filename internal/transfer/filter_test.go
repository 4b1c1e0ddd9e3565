package transfer

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCacheFilterMatchesCachePaths(t *testing.T) {
	assert.True(t, CacheFilter("/sdcard/Android/data/com.app/cache/tmp.bin"))
	assert.True(t, CacheFilter("/sdcard/.cache/thing"))
	assert.False(t, CacheFilter("/sdcard/DCIM/photo.jpg"))
}

func TestThumbnailFilterMatchesThumbnailPaths(t *testing.T) {
	assert.True(t, ThumbnailFilter("/sdcard/DCIM/.thumbnails/photo.jpg"))
	assert.True(t, ThumbnailFilter("/sdcard/Pictures/cover.thumb"))
	assert.False(t, ThumbnailFilter("/sdcard/DCIM/photo.jpg"))
}

func TestNonRegenerableExcludesCacheAndThumbnails(t *testing.T) {
	assert.False(t, NonRegenerable("/sdcard/Android/data/com.app/cache/tmp.bin"))
	assert.False(t, NonRegenerable("/sdcard/DCIM/.thumbnails/photo.jpg"))
	assert.True(t, NonRegenerable("/sdcard/DCIM/photo.jpg"))
}

func TestOrAndNotCombinators(t *testing.T) {
	isJPG := Filter(func(p string) bool { return suffixAny(p, ".jpg") })
	isPNG := Filter(func(p string) bool { return suffixAny(p, ".png") })

	image := Or(isJPG, isPNG)
	assert.True(t, image("a.jpg"))
	assert.True(t, image("a.png"))
	assert.False(t, image("a.gif"))

	onlyJPGNotPNG := And(isJPG, Not(isPNG))
	assert.True(t, onlyJPGNotPNG("a.jpg"))
	assert.False(t, onlyJPGNotPNG("a.png"))

	emptyOr := Or()
	assert.False(t, emptyOr("anything"))
}

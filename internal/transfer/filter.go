// Package transfer implements the Transfer Pipeline (L3a): adaptive remote
// indexing, backup/restore/clone managers built on the Operation Framework,
// and a secure bundle extractor for archived backups.
package transfer

import "strings"

// Filter decides whether a remote path should be included in a transfer.
// SPEC_FULL.md §9's Open Question decision: filters are first-class values
// composable with Or, rather than deferring composition to string-glob
// unions baked into the indexer.
type Filter func(remotePath string) bool

// Or returns a Filter that includes a path when any of fs includes it. An
// empty Or matches nothing.
func Or(fs ...Filter) Filter {
	return func(path string) bool {
		for _, f := range fs {
			if f(path) {
				return true
			}
		}
		return false
	}
}

// And returns a Filter that includes a path only when every f includes it.
func And(fs ...Filter) Filter {
	return func(path string) bool {
		for _, f := range fs {
			if !f(path) {
				return false
			}
		}
		return true
	}
}

// Not inverts f.
func Not(f Filter) Filter {
	return func(path string) bool { return !f(path) }
}

// suffixAny reports whether path ends in any of suffixes (case-sensitive,
// matching Android's own case-sensitive filesystem).
func suffixAny(path string, suffixes ...string) bool {
	for _, s := range suffixes {
		if strings.HasSuffix(path, s) {
			return true
		}
	}
	return false
}

// containsAny reports whether path contains any of substrs.
func containsAny(path string, substrs ...string) bool {
	for _, s := range substrs {
		if strings.Contains(path, s) {
			return true
		}
	}
	return false
}

// CacheFilter matches paths that look like regenerable app cache, the kind
// a "files" backup should skip by default (spec.md §3).
var CacheFilter Filter = func(path string) bool {
	return containsAny(path, "/cache/", "/.cache/", "/code_cache/", "/.thumbnails/")
}

// ThumbnailFilter matches thumbnail and preview image paths.
var ThumbnailFilter Filter = func(path string) bool {
	return containsAny(path, "/.thumbnails/", "/.thumbdata") || suffixAny(path, ".thumb")
}

// NonRegenerable is the default "files" backup filter: everything that is
// not matched by CacheFilter or ThumbnailFilter.
var NonRegenerable = Not(Or(CacheFilter, ThumbnailFilter))

package workspace

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strings"
)

const maxSlugLength = 40

var nonSlugChars = regexp.MustCompile(`[^a-z0-9_-]+`)

// DirName derives the workspace directory name for an application:
// a readable slug plus the first 8 hex digits of sha256(applicationID).
// Ids that slugify identically still map to different directories.
func DirName(applicationID string) string {
	sum := sha256.Sum256([]byte(applicationID))
	return slugify(applicationID) + "-" + hex.EncodeToString(sum[:])[:8]
}

func slugify(s string) string {
	slug := nonSlugChars.ReplaceAllString(strings.ToLower(s), "-")
	slug = strings.Trim(slug, "-_")
	if len(slug) > maxSlugLength {
		slug = strings.TrimRight(slug[:maxSlugLength], "-_")
	}
	if slug == "" {
		return "app"
	}
	return slug
}

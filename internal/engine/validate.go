package engine

import (
	"math"
	"strings"
	"unicode"

	"github.com/lazypower/engram/internal/model"
)

const maxTagLen = 64

func requireScope(op, scope string) error {
	if strings.TrimSpace(scope) == "" {
		return validationf(op, "scope is required")
	}
	return nil
}

func requireID(op, what, id string) error {
	if strings.TrimSpace(id) == "" {
		return validationf(op, "%s id is required", what)
	}
	return nil
}

// cleanContent trims content and enforces the size limit.
func cleanContent(op, content string, maxChars int) (string, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return "", validationf(op, "content must not be empty")
	}
	if n := len([]rune(content)); n > maxChars {
		return "", validationf(op, "content too long (%d chars, max %d)", n, maxChars)
	}
	return content, nil
}

// cleanTag normalizes a memory or relationship type. An empty tag takes
// fallback. Tags are upper-case letters, digits and underscores.
func cleanTag(op, what, tag, fallback string) (string, error) {
	tag = model.NormalizeTag(tag)
	if tag == "" {
		return fallback, nil
	}
	if len(tag) > maxTagLen {
		return "", validationf(op, "%s %q too long (max %d)", what, tag, maxTagLen)
	}
	for _, r := range tag {
		if !(unicode.IsUpper(r) || unicode.IsDigit(r) || r == '_') {
			return "", validationf(op, "invalid %s %q", what, tag)
		}
	}
	return tag, nil
}

func cleanTags(op, what string, tags []string) ([]string, error) {
	if len(tags) == 0 {
		return nil, nil
	}
	out := make([]string, 0, len(tags))
	seen := make(map[string]bool, len(tags))
	for _, t := range tags {
		c, err := cleanTag(op, what, t, "")
		if err != nil {
			return nil, err
		}
		if c == "" || seen[c] {
			continue
		}
		seen[c] = true
		out = append(out, c)
	}
	return out, nil
}

func checkMetadata(op string, md model.Metadata) error {
	if err := md.Validate(); err != nil {
		return validationf(op, "%v", err)
	}
	return nil
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}

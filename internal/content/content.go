package content

import (
	"bytes"
	"errors"
	"regexp"
	"strings"

	"github.com/microcosm-cc/bluemonday"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
)

var (
	strict = bluemonday.StrictPolicy()
	ugc    = bluemonday.UGCPolicy()

	markdown = goldmark.New(
		goldmark.WithExtensions(extension.GFM),
	)

	usernameRegex = regexp.MustCompile(`^[a-zA-Z0-9._-]+$`)
)

// Sanitize strips all HTML from the input string. It is used for user inputs
// like display names and message text before they are persisted.
func Sanitize(input string) string {
	return strings.TrimSpace(strict.Sanitize(input))
}

// RenderMarkdown renders message text as markdown and sanitizes the resulting
// HTML with a UGC policy. The returned fragment is safe to embed in a page.
func RenderMarkdown(input string) (string, error) {
	var buf bytes.Buffer
	if err := markdown.Convert([]byte(input), &buf); err != nil {
		return "", err
	}
	return strings.TrimSpace(ugc.Sanitize(buf.String())), nil
}

// ValidateUsername checks if the username contains only allowed characters
// (alphanumeric, dot, dash, underscore) and is not empty.
func ValidateUsername(username string) error {
	if username == "" {
		return errors.New("username cannot be empty")
	}
	if !usernameRegex.MatchString(username) {
		return errors.New("username contains invalid characters (allowed: alphanumeric, dot, dash, underscore)")
	}
	return nil
}

package svc

import (
	"regexp"
	"strings"

	"cinder/pkg/domain"

	"golang.org/x/text/cases"
)

var extPattern = regexp.MustCompile(`^[a-z0-9+#_-]{1,16}$`)

// NormalizeExtension case-folds a language tag and strips a leading dot.
// Empty stays empty and renders as plain text.
func NormalizeExtension(ext string) (string, error) {
	ext = strings.TrimPrefix(strings.TrimSpace(ext), ".")
	if ext == "" {
		return "", nil
	}
	ext = cases.Fold().String(ext)
	if !extPattern.MatchString(ext) {
		return "", domain.ErrInvalidExtension
	}
	return ext, nil
}

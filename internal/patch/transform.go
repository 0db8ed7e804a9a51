package patch

import (
	"errors"
	"fmt"
	"regexp"
)

// TransformFunc rewrites the full contents of a file
type TransformFunc func(contents []byte) ([]byte, error)

// ErrPatternNotFound is returned when a regex transform matches nothing
var ErrPatternNotFound = errors.New("pattern not found")

// RegexTransform replaces every match of pattern with replacement. The
// replacement may use regexp submatch references such as ${1}.
func RegexTransform(pattern, replacement string) (TransformFunc, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("invalid pattern %q: %w", pattern, err)
	}

	return func(contents []byte) ([]byte, error) {
		if !re.Match(contents) {
			return nil, fmt.Errorf("%w: %s", ErrPatternNotFound, pattern)
		}
		return re.ReplaceAll(contents, []byte(replacement)), nil
	}, nil
}

//go:build linux

package options

import (
	"fmt"

	"github.com/inhies/go-bytesize"
)

/**
 * ParseMaxRead parses the --max-read byte-size flag (e.g. "64KB",
 * "1MB"). An empty string selects the controller's own default.
 * @param s the byte-size string to parse
 * @return the parsed size in bytes, or an error if malformed
 */
func ParseMaxRead(s string) (int, error) {
	if s == "" {
		return 0, nil
	}
	size, err := bytesize.Parse(s)
	if err != nil {
		return 0, fmt.Errorf("bad --max-read %q: %v", s, err)
	}
	return int(size), nil
}

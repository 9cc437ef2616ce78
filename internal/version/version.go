// Package version reports the running build.
package version

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Version is set at link time with -ldflags "-X .../internal/version.Version=1.4.0",
// or read from a VERSION file by Load.
var Version = "dev"

// Load reads path and, when it holds a valid version, makes it current.
func Load(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Version, err
	}

	v := strings.TrimSpace(string(data))
	if _, err := ExtractMajorVersion(v); err != nil {
		return Version, fmt.Errorf("%s: %w", path, err)
	}
	Version = v
	return Version, nil
}

func ExtractMajorVersion(version string) (int, error) {
	version = strings.TrimPrefix(version, "v")
	if version == "" {
		return 0, fmt.Errorf("empty version string")
	}

	parts := strings.Split(version, ".")
	major, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0, fmt.Errorf("invalid major version: %v", err)
	}
	if major < 0 {
		return 0, fmt.Errorf("major version cannot be negative")
	}
	return major, nil
}

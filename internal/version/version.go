package version

var version = "dev"

// String returns the build version for the current binary.
// The value is stamped at build time via -ldflags.
func String() string {
	return version
}

// ForTesting overrides the version string and returns a cleanup function
// that restores the original value. Must not be called concurrently.
func ForTesting(v string) func() {
	original := version
	version = v
	return func() { version = original }
}

package osutil

import (
	"os"
	"runtime"
)

// OS type constants
const (
	Windows = "windows"
	MacOS   = "darwin"
	Linux   = "linux"
)

// IsWindows returns true if running on Windows
func IsWindows() bool {
	return runtime.GOOS == Windows
}

// IsMacOS returns true if running on macOS (Darwin)
func IsMacOS() bool {
	return runtime.GOOS == MacOS
}

// IsDevEnvironment reports whether configuration and logs should stay in the
// working directory.
func IsDevEnvironment() bool {
	return os.Getenv("LICENSE_ENGINE_ENV") == "development" ||
		os.Getenv("LICENSE_ENGINE_DEV") == "true" ||
		os.Getenv("DEV") == "true"
}

// IsRunningInPipeline returns true if running in a CI/CD pipeline environment
func IsRunningInPipeline() bool {
	return os.Getenv("CI") == "true" ||
		os.Getenv("PIPELINE") == "true" ||
		os.Getenv("GITHUB_ACTIONS") == "true" ||
		os.Getenv("JENKINS_URL") != ""
}

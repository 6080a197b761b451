package eventloop

var (
	gitSHA1   = "unknown"
	buildDate = "unknown"
)

// BuildInfo reports values stamped in at link time via -ldflags.
func BuildInfo() string {
	return gitSHA1 + " " + buildDate
}

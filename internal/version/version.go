package version

// Set at build time via ldflags, e.g.
// go build -ldflags "-X github.com/throw-if-null/covalent/internal/version.Version=v0.3.0"
var (
	Version = "dev"
	Commit  = "unknown"
)

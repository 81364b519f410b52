// Package version carries build metadata injected with -ldflags, e.g.
//
//	go build -ldflags "-X github.com/solforge/solforge-gateway/internal/version.Commit=$(git rev-parse HEAD)"
package version

var (
	Version = "v0.1.0"
	Commit  = "unknown"
	BuiltAt = "unknown"
)

// FullInfo describes the running build for startup logs and the CLI.
func FullInfo() string {
	return "version=" + Version + " commit=" + Commit + " built_at=" + BuiltAt
}

// UserAgent identifies the gateway to outbound services.
func UserAgent() string {
	return "solforge-gateway/" + Version
}

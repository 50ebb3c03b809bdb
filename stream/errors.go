package stream

import "errors"

var (
	ErrOffline           = errors.New("source is offline")
	ErrPrivateStream     = errors.New("stream is private or forbidden")
	ErrCloudflareBlocked = errors.New("blocked by Cloudflare; try with --cookies and --user-agent")
	ErrAgeVerification   = errors.New("age verification required; try with --cookies and --user-agent")
	ErrNotFound          = errors.New("source not found (404)")
	ErrInvalidTarget     = errors.New("invalid ingest target")
)

// Blocked reports whether err means access to the source was denied.
func Blocked(err error) bool {
	return errors.Is(err, ErrCloudflareBlocked) ||
		errors.Is(err, ErrAgeVerification) ||
		errors.Is(err, ErrPrivateStream)
}

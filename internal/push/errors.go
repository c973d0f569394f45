package push

import "errors"

var (
	// ErrUnsupportedEnvironment means the platform lacks push,
	// background-agent or alert capabilities. Terminal; there is no
	// retry path.
	ErrUnsupportedEnvironment = errors.New("push: unsupported environment")

	// ErrPermissionDenied means the user declined alert permission.
	// Terminal until the user changes the setting externally.
	ErrPermissionDenied = errors.New("push: notification permission denied")

	// ErrInvalidKeyFormat means the configured application server key
	// is not valid URL-safe base64 key material. Configuration error,
	// developer-visible.
	ErrInvalidKeyFormat = errors.New("push: invalid application server key format")
)

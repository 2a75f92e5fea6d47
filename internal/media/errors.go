package media

import "errors"

var (
	// ErrAssetTooLarge indicates the payload exceeds the configured max asset size.
	ErrAssetTooLarge = errors.New("media asset too large")
	// ErrUnexpectedStatus indicates the remote server did not answer 2xx.
	ErrUnexpectedStatus = errors.New("unexpected status")
)

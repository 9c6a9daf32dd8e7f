package handbook

import "errors"

// ErrServiceClosed is returned by Start after Shutdown or Close.
var ErrServiceClosed = errors.New("service is closed")

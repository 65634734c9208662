package artifacts

import "errors"

var ErrNotFound = errors.New("artifact not found")

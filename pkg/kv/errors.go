package kv

import "errors"

var ErrNotFound = errors.New("cache entry not found")

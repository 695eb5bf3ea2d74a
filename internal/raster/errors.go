package raster

import "errors"

// ErrFileNotFound means the source PDF could not be located by the
// rasterizer. Callers treat it as a skip, not a failure.
var ErrFileNotFound = errors.New("source PDF not found")

package object

import "errors"

// ErrIncompleteBody is reported when the upstream stream ends before the
// size announced by the item metadata.
var ErrIncompleteBody = errors.New("upstream body shorter than announced size")

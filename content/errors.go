package content

import "errors"

var (
	// ErrUnsupportedSync indicates a sync message with no recognised variant.
	ErrUnsupportedSync = errors.New("unsupported sync message variant")
	// ErrEmptyContent indicates a Content with no message set.
	ErrEmptyContent = errors.New("content has no message")
	// ErrAmbiguousContent indicates a Content with more than one message set.
	ErrAmbiguousContent = errors.New("content has more than one message")
)

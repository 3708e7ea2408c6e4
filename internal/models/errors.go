// Package models holds the data types shared by the preprocessing stages and
// the error kinds they report.
package models

import "errors"

// Error kinds. Concrete errors wrap one of these with context, match them
// with errors.Is.
var (
	ErrSourceRead        = errors.New("source read failed")
	ErrDimensionMismatch = errors.New("dimension mismatch")
	ErrMissingBaseline   = errors.New("missing baseline")
	ErrEngine            = errors.New("flagging engine failed")
	ErrInvalidTemplate   = errors.New("invalid file name template")
	ErrUnknownChannel    = errors.New("unknown coarse channel")
	ErrUnknownStrategy   = errors.New("unknown flagging strategy")
)

package provision

import "errors"

var (
	ErrNotFound         = errors.New("build not found")
	ErrAlreadyCompleted = errors.New("build already completed")
	ErrSpecInvalid      = errors.New("invalid provisioning spec")
)

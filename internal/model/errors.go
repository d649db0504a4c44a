package model

import (
	"errors"
)

var (
	ErrNoFiles      = errors.New("no files provided")
	ErrNoValidFiles = errors.New("no valid image files provided")
)

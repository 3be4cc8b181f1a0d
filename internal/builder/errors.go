package builder

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidInput  = errors.New("invalid input")
	ErrMaskUpload    = errors.New("mask upload failed")
	ErrNoSourceImage = errors.New("no source image")
)

// ValidationError 表单输入无法解析
type ValidationError struct {
	Field  string
	Value  any
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s %q: %s", e.Field, fmt.Sprint(e.Value), e.Reason)
}

func (e *ValidationError) Unwrap() error {
	return ErrInvalidInput
}

package service

import (
	"errors"
	"fmt"
)

// ErrUnsupportedFile rejects anything that is not a .csv upload.
var ErrUnsupportedFile = errors.New("only CSV files allowed")

// FileTooLargeError rejects uploads above the configured maximum before any
// parsing happens.
type FileTooLargeError struct {
	Size int64
	Max  int64
}

func (e *FileTooLargeError) Error() string {
	return fmt.Sprintf("file too large: %d bytes (max %d)", e.Size, e.Max)
}

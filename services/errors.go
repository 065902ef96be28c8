package services

import "errors"

var (
	// ErrInvalidDocument means the uploaded document cannot be rasterized
	// (zero pages, unreadable stream, unsupported type). Fatal for the paper;
	// retrying with the same input will not help.
	ErrInvalidDocument = errors.New("invalid document")

	// ErrJobNotFound means the requested grading job does not exist
	ErrJobNotFound = errors.New("grading job not found")

	// ErrExamNotFound means the job references an exam that does not exist
	ErrExamNotFound = errors.New("exam not found")

	// ErrJobNotCancellable means the job already reached a terminal status
	ErrJobNotCancellable = errors.New("job is already complete")
)

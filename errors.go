package mamlgo

import "errors"

// Step-level failures are recoverable: the trainer degrades the affected
// micro-step to plain autoregressive training and keeps going. Startup and
// resume failures are fatal.
var (
	// ErrInsufficientVocabulary means the current batch does not contain
	// enough distinct candidate word-types to build an N-way episode.
	ErrInsufficientVocabulary = errors.New("insufficient vocabulary for episode")

	// ErrInsufficientOccurrences means candidate word-types exist but too few
	// of them occur at least S+Q times in the batch.
	ErrInsufficientOccurrences = errors.New("insufficient occurrences for episode")

	// ErrDivergedAdaptation means the inner loop produced a non-finite
	// support loss. The episode is discarded.
	ErrDivergedAdaptation = errors.New("inner loop diverged")

	// ErrConfigurationConflict marks an invalid configuration, detected at
	// startup before any training state exists.
	ErrConfigurationConflict = errors.New("configuration conflict")

	// ErrCheckpointMismatch means a checkpoint's recorded shapes disagree
	// with the current model configuration.
	ErrCheckpointMismatch = errors.New("checkpoint mismatch")
)

// Package convert wraps the external transcoding executable behind a narrow
// interface the scheduler can fake in tests.
package convert

import "context"

// ProgressFunc receives percent values in [0,100]; nil is accepted.
type ProgressFunc func(percent int)

// Converter transcodes one local source file into the target format and
// returns the path of the produced file.
type Converter interface {
	Convert(ctx context.Context, inputPath, outputDir string, onProgress ProgressFunc) (string, error)
}

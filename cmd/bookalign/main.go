package main

import (
	"errors"
	"fmt"
	"os"

	"bookalign/internal/pipeline"
)

// Exit codes: 0 success, 1 runtime failure, 2 validation gate failure.
const (
	exitOK      = 0
	exitRuntime = 1
	exitGate    = 2
)

func main() {
	root := newRootCmd()
	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		var se *pipeline.StageError
		if errors.As(err, &se) && se.Kind == pipeline.KindGateFailure {
			os.Exit(exitGate)
		}
		os.Exit(exitRuntime)
	}
}

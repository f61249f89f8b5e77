package main

import (
	"errors"
	"os"
)

// exitJobsFailed is returned by batch when at least one job failed.
const exitJobsFailed = 2

func main() {
	if err := newRootCmd().Execute(); err != nil {
		if errors.Is(err, errJobsFailed) {
			os.Exit(exitJobsFailed)
		}

		exitOnError(err)
	}
}

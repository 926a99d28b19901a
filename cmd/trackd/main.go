package main

import (
	"context"
	"fmt"
	"os"
)

func main() {
	app := mustBootstrapTrackd()
	defer app.Close()

	if err := app.Run(); err != nil && err != context.Canceled {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

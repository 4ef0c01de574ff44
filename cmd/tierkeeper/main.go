package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/lazypower/tierkeeper/internal/cli"
	"github.com/lazypower/tierkeeper/internal/config"
)

func main() {
	err := cli.Execute()
	if err == nil {
		return
	}

	var exitErr *cli.ExitError
	var fatal *config.FatalConfigError
	switch {
	case errors.As(err, &exitErr):
		if exitErr.Err != nil {
			fmt.Fprintf(os.Stderr, "tierkeeper: %v\n", exitErr.Err)
		}
		os.Exit(exitErr.Code)
	case errors.As(err, &fatal):
		fmt.Fprintf(os.Stderr, "tierkeeper: %v\n", fatal)
		os.Exit(2)
	default:
		fmt.Fprintf(os.Stderr, "tierkeeper: %v\n", err)
		os.Exit(1)
	}
}

package main

import (
	"os"

	"github.com/oarkflow/watchdog"
)

func main() {
	os.Exit(watchdog.Execute())
}

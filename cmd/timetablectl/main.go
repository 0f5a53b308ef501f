package main

import (
	"os"

	"github.com/noah-isme/timetable-api/internal/cli"
)

func main() {
	os.Exit(cli.ExitCode(cli.Execute()))
}

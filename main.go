package main

import (
	"github.com/BioHazard786/portal/cmd"
	"github.com/BioHazard786/portal/internal/logging"
)

func main() {
	// Initialize logging
	logging.Init()
	cmd.Execute()
}

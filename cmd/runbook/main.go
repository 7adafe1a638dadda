package main

import (
	"github.com/stage0-ops/runbook-api/cmd/runbook/cmd"
)

func main() {
	cmd.Execute()
}

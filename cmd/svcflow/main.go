// Command svcflow runs the services registered in the runner catalog.
//
//	svcflow --config svcflow.yaml users notifier
package main

import (
	_ "github.com/drblury/svcflow/examples/services"
	"github.com/drblury/svcflow/runner"
)

func main() {
	runner.Main()
}

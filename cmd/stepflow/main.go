// Command stepflow compiles, inspects and serves the demo flows. Real
// deployments build their own binary the same way: register flows in a
// cli.Registry and execute the root command.
package main

import (
	"log"

	"github.com/petrijr/stepflow/cli"
)

func main() {
	reg, err := cli.NewRegistry(demoFlows()...)
	if err != nil {
		log.Fatal(err)
	}
	if err := cli.NewRootCommand(reg).Execute(); err != nil {
		log.Fatal(err)
	}
}

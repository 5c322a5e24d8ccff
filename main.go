// Command hive runs distributed document ingestion workers and the
// operator commands for the runs they coordinate on.
//
// Workers started with an equivalent configuration attach to the same run
// and split its document queue through a shared PostgreSQL database; no
// central scheduler exists. See the cli package for the command tree.
//
// Exit codes: 0 on success (including a run finishing mid-loop), 2 for
// invalid configuration, 3 when the coordination database stays
// unreachable, 4 when the configured run is already terminal at join, 1
// for anything else.
package main

import (
	"os"

	"hive.evalgo.org/cli"
	"hive.evalgo.org/common"
)

func main() {
	if err := cli.Execute(); err != nil {
		common.Logger.Error(err)
		os.Exit(cli.ExitCode(err))
	}
}

// The main package for the jobagg executable.
package main

import (
	"github.com/JakeFAU/realtime-job-aggregator/cmd"
)

func main() {
	cmd.Execute()
}

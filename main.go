// Command leadpipe runs the company lead discovery pipeline.
package main

import (
	"github.com/jobagent/leadpipe/cmd"
)

func main() {
	cmd.Execute()
}

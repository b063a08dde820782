// nextest is a parallel runner for compiled test binaries.
package main

import "go.nextest.dev/nextest/cmd"

func main() {
	cmd.Execute()
}

package main

import "southwinds.dev/custody/cli/cmd"

func main() {
	cmd.Execute()
}

package main

import "escrow-core/cmd/escrow-cli/cmd"

func main() {
	cmd.Execute()
}

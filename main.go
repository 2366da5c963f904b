package main

import "github.com/AInTandem/agentbus/cmd"

func main() {
	cmd.Execute()
}

package main

import "github.com/pixperk/opscoord/cmd/opscoord/commands"

func main() {
	commands.Execute()
}

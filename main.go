package main

import "github.com/Alishahryar1/free-claude-code/cmd"

func main() {
	cmd.Execute()
}

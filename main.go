package main

import "peerdrop/cmd"

func main() {
	cmd.Execute()
}

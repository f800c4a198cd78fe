package main

import "github.com/jmehdipour/txbus/cmd"

func main() {
	cmd.Execute()
}

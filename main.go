package main

import "taskorch/cmd"

func main() {
	cmd.Run()
}

package main

import "github.com/akitig/wankoro-bot/cmd"

func main() {
	cmd.Execute()
}

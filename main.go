package main

import "github.com/Davincible/chat-gateway/cmd"

func main() {
	cmd.Execute()
}

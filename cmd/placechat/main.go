package main

import "placechat-backend/internal/cli"

func main() {
	cli.Execute()
}

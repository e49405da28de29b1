package main

import "github.com/pliu/msgsync/internal/cli"

func main() {
	cli.Execute()
}

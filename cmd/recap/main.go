package main

import "github.com/recapio/recap/internal/cli"

func main() {
	cli.Execute()
}

package main

import "pricefeed/internal/cli"

func main() {
	cli.Execute()
}

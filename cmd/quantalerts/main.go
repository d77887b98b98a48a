package main

import (
	"quant-alerts/internal/cli"
)

func main() {
	cli.Execute()
}

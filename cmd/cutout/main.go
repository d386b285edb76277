package main

import "github.com/getcharzp/go-cutout/internal/cli"

func main() {
	cli.Execute()
}

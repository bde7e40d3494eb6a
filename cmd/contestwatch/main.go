package main

import "github.com/vietddude/contestwatch/internal/cli"

func main() {
	cli.Execute()
}

package main

import "github.com/kyten/ficdl/cmd"

func main() {
	cmd.Execute()
}

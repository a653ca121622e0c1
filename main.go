package main

import "github.com/dapkit/dapkit/cmd"

func main() {
	cmd.Execute()
}

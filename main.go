package main

import "github.com/kashguard/go-mpc-mesh/cmd"

func main() {
	cmd.Execute()
}

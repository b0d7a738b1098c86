package main

import "github.com/fromafrica/escrow-service/cmd"

func main() {
	cmd.Execute()
}

package main

import "github.com/ahmadzakiakmal/supplychain-provenance/cmd/scctl/cmd"

func main() {
	cmd.Execute()
}

package main

import "github.com/peerfence/peerfence/cmd/peerfenced/cmd"

func main() {
	cmd.Execute()
}

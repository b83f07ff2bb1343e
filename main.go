package main

import "github.com/parlorhq/parlor/cmd"

func main() {
	cmd.Execute()
}

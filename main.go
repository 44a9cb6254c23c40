package main

import "github.com/user/stigharden/cmd"

func main() {
	cmd.Execute()
}

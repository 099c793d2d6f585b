package main

import "github.com/jujucub/claps/cmd"

func main() {
	cmd.Execute()
}

package main

import "github.com/linggen/linggen-agent/cmd"

func main() {
	cmd.Execute()
}

package main

import "github.com/EndlessArch/haruhi/cmd"

func main() {
	cmd.Execute()
}

package main

import "pulseq/cmd"

func main() {
	cmd.Run()
}

package main

import "github.com/Norgate-AV/compcache/cmd"

func main() {
	cmd.Execute()
}

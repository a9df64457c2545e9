package main

import "github.com/hellowydwyd/Actor-Dataset-Construct/cmd"

func main() {
	cmd.Execute()
}

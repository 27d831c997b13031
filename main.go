package main

import "github.com/audiolibrelab/camcapture/cmd"

func main() {
	cmd.Execute()
}

package main

import "github.com/audiolibrelab/soundrecorder/cmd"

func main() {
	cmd.Execute()
}

package main

import "go-civitai-daemon/cmd/civitai-daemon/cmd"

func main() {
	cmd.Execute()
}

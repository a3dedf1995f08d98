package main

import "github.com/oshokin/sidecar-keeper/cmd/sidecar-keeper/cmd"

func main() {
	cmd.Execute()
}

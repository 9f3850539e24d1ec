package main

import (
	cmd "github.com/cozy-creator/classifier-server/cmd/classifier"
)

func main() {
	cmd.Execute()
}

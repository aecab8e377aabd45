package main

import (
	"example.com/backstage/services/scoring/cmd"
)

func main() {
	cmd.Execute()
}

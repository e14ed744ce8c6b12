package main

import "go.pilab.hu/authz/cmd/authz/cmd"

func main() {
	cmd.Execute()
}

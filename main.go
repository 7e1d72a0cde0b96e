package main

import "github.com/nextlevelbuilder/valet/cmd"

func main() {
	cmd.Execute()
}

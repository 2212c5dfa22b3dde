package main

import "github.com/goldman123123/hebelki.de-sub005/cmd"

func main() {
	cmd.Execute()
}

package main

import "github.com/endorses/sslkeylog/cmd"

func main() {
	cmd.Execute()
}

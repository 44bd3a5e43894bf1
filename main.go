package main

import "github.com/dotclawhq/dotclaw/cmd"

func main() {
	cmd.Execute()
}

package main

import "github.com/bryanchriswhite/CastKeeper/cmd/castkeeper/commands"

func main() {
	commands.Execute()
}

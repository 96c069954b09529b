package main

import "syncstress/cmd"

func main() {
	cmd.Execute()
}

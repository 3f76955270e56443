package main

import "jobmatch/cmd"

func main() {
	cmd.Execute()
}

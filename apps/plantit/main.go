package main

import "github.com/Computational-Plant-Science/DIRT2-Webplatform/apps/plantit/cmd"

func main() {
	cmd.Execute()
}

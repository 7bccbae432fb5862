// The main package for the wikiharvest executable.
package main

import "github.com/JakeFAU/wikiharvest/cmd"

func main() {
	cmd.Execute()
}

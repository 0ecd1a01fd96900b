// The main package for the newswire executable.
package main

import (
	"os"

	"github.com/JakeFAU/newswire/cmd"
)

func main() {
	os.Exit(cmd.Execute())
}

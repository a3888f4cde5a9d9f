// The main package for the linktracker executable.
package main

import (
	"github.com/JakeFAU/link-tracker/cmd"
)

func main() {
	cmd.Execute()
}

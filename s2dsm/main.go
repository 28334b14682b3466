// Command s2dsm runs one peer of a two-node distributed shared memory.
package main

import "github.com/Tamaarine/CSE306-Assignment/s2dsm/cmd"

func main() {
	cmd.Execute()
}

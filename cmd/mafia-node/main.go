// Command mafia-node runs a local development chain hosting the Mafia
// mint contract.
package main

func main() {
	Execute()
}

// Command syncctl inspects and edits remote tables through a local
// synchronized cache.
package main

import "github.com/nkkko/remotesync/apps/syncctl/cmd"

func main() {
	cmd.Execute()
}

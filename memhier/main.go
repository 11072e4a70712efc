// Command memhier replays memory traces through a cache, TLB, and
// page-table model and serves the model over HTTP.
package main

import "github.com/sarchlab/memhier/memhier/cmd"

func main() {
	cmd.Execute()
}

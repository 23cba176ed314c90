//go:build texstream_debug

package streaming

import "fmt"

// doubleAdmission panics in debug builds: admitting a path that already has
// a load in flight is a scheduler bug.
func doubleAdmission(path string, state State) {
	panic(fmt.Sprintf("streaming: double admission of %q in state %s", path, state))
}

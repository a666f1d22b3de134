// Command smtpd runs the inbound SMTP/LMTP server. It has two modes,
// selected by the first argument:
//
//   - (no argument) runs the privilege-separated listener parent: accepts
//     connections on the configured ports and spawns a protocol-handler
//     subprocess per connection (see serve.go and internal/smtp/subprocess.go).
//   - protocol-handler handles exactly one already-accepted connection,
//     passed as fd 3, then exits (see handler.go). Only ever invoked by
//     the listener parent itself.
package main

import "os"

func main() {
	if len(os.Args) > 1 && os.Args[1] == "protocol-handler" {
		// Shift the mode argument out so config.ParseFlags (which parses
		// os.Args[1:] via the standard flag package) sees only its own flags.
		os.Args = append([]string{os.Args[0]}, os.Args[2:]...)
		runProtocolHandler()
		return
	}
	runServe()
}

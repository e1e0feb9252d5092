// Command simplisafed bridges SimpliSafe alarm systems to Home Assistant
// over MQTT and a small HTTP API. It also offers one-shot commands to list
// systems and events and to watch the event stream.
package main

import "os"

// version can be set during build with -ldflags.
var version = "dev"

func main() {
	rootCmd.Version = version
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

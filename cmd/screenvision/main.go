// Command screenvision locates templates on an Android device screen using a
// continuous capture stream.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
)

var commands = map[string]func(context.Context, []string) error{
	"locate":     runLocate,
	"locate-all": runLocateAll,
	"worst":      runWorst,
	"stream":     runStream,
	"watch":      runWatch,
	"devices":    runDevices,
	"journal":    runJournal,
}

func usage() {
	fmt.Fprintf(os.Stderr, `Usage: screenvision <command> [flags]

Commands:
  locate <template>      Find a template on screen
  locate-all <template>  Find every occurrence of a template
  worst <template>       Find the placement that differs most from a template
  stream                 Run the capture stream and print its counters
  watch                  Print perceptual screen changes
  devices                List adb devices
  journal                Show recorded sessions and template hit rates

Run "screenvision <command> -h" for command flags.
`)
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	name := os.Args[1]
	if name == "help" || name == "-h" || name == "--help" {
		usage()
		return
	}
	run, ok := commands[name]
	if !ok {
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", name)
		usage()
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := run(ctx, os.Args[2:]); err != nil {
		if errors.Is(err, errNotFound) {
			os.Exit(1)
		}
		log.Fatalf("%s: %v", name, err)
	}
}

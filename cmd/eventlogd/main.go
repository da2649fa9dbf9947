package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/Mokksdz/manchengo-sub003/internal/daemon"
	"github.com/Mokksdz/manchengo-sub003/internal/instance"
	"go.uber.org/fx"
)

func main() {
	instanceFlag := flag.String("instance", "", "instance name (overrides config default)")
	rootFlag := flag.String("root", instance.DefaultRoot(), "data root directory")
	flag.Parse()

	name := instance.Resolve(*rootFlag, *instanceFlag)
	if err := instance.ValidateName(name); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	app := fx.New(
		daemon.Module(daemon.Params{Instance: name, Root: *rootFlag}),
	)

	app.Run()
}

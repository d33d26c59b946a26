package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"go.uber.org/fx"

	"github.com/adityacheruku/kuchlu-sub000/internal/engine"
	"github.com/adityacheruku/kuchlu-sub000/internal/session"
)

func main() {
	profileFlag := flag.String("profile", "", "profile name (overrides config default)")
	flag.Parse()

	// Development convenience; missing .env is not an error.
	_ = godotenv.Load()

	profileName := session.Resolve(*profileFlag)
	if err := session.ValidateName(profileName); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	app := fx.New(
		engine.Module(engine.Params{ProfileName: profileName}),
	)

	app.Run()
}

// Command byvalver rewrites a machine-code payload so its encoding is
// free of a configured set of forbidden byte values.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	cli "github.com/urfave/cli/v2"

	"github.com/maleick/byvalver/config"
	"github.com/maleick/byvalver/engine"
)

// Version information - can be overridden at build time with:
// go build -ldflags "-X main.Version=v1.2.3"
var (
	Version = "dev"
	Commit  = "unknown"
	Date    = "unknown"
)

func main() {
	app := &cli.App{
		Name:    "byvalver",
		Usage:   "rewrite a binary payload to avoid forbidden byte values",
		Version: fmt.Sprintf("%s (%s, %s)", Version, Commit, Date),
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "arch", Aliases: []string{"a"}, Usage: "target architecture: x86, x64, arm, arm64"},
			&cli.StringFlag{Name: "bad-bytes", Aliases: []string{"b"}, Usage: "comma-separated forbidden byte values (default 0x00)"},
			&cli.Uint64Flag{Name: "base", Usage: "base address of the payload"},
			&cli.BoolFlag{Name: "obfuscate", Usage: "enable the pre-rewrite obfuscation pass"},
			&cli.IntFlag{Name: "max-passes", Usage: "relocation iteration ceiling"},
			&cli.Int64Flag{Name: "seed", Usage: "PRNG seed for obfuscation sampling"},
			&cli.StringFlag{Name: "config", Aliases: []string{"c"}, Usage: "job profile file (TOML)"},
			&cli.StringFlag{Name: "output", Aliases: []string{"o"}, Usage: "output file (default: <input>.clean)"},
		},
		ArgsUsage: "INPUT",
		Action:    run,
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "byvalver: %v\n", err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	if c.NArg() != 1 {
		return errors.New("exactly one input file is required")
	}
	input := c.Args().First()

	cfgPath := c.String("config")
	var cfg *config.Config
	var err error
	if cfgPath != "" {
		cfg, err = config.LoadFrom(cfgPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return err
	}

	// Command-line flags override the profile.
	if c.IsSet("arch") {
		cfg.Job.Architecture = c.String("arch")
	}
	if c.IsSet("bad-bytes") {
		cfg.Job.BadBytes = c.String("bad-bytes")
	}
	if c.IsSet("base") {
		cfg.Job.BaseAddress = c.Uint64("base")
	}
	if c.IsSet("obfuscate") {
		cfg.Job.Obfuscate = c.Bool("obfuscate")
	}
	if c.IsSet("max-passes") {
		cfg.Job.MaxPasses = c.Int("max-passes")
	}
	if c.IsSet("seed") {
		cfg.Job.Seed = c.Int64("seed")
	}

	if err := cfg.Validate(); err != nil {
		return err
	}
	tag, err := cfg.Tag()
	if err != nil {
		return err
	}
	bad, err := cfg.BadSet()
	if err != nil {
		return err
	}

	blob, err := os.ReadFile(input) // #nosec G304 -- user-supplied payload path
	if err != nil {
		return err
	}

	res, err := engine.Rewrite(context.Background(), blob, engine.Options{
		Arch:            tag,
		Bad:             bad,
		Base:            cfg.Job.BaseAddress,
		Obfuscate:       cfg.Job.Obfuscate,
		MaxPasses:       cfg.Job.MaxPasses,
		MaxInstructions: cfg.Limits.MaxInstructions,
		Seed:            cfg.Job.Seed,
	})
	if err != nil {
		if res != nil && len(res.Output) > 0 {
			fmt.Fprintf(os.Stderr, "byvalver: partial output retained (%d bytes)\n", len(res.Output))
		}
		return err
	}

	outPath := c.String("output")
	if outPath == "" {
		outPath = input + ".clean"
	}
	if err := os.WriteFile(outPath, res.Output, 0644); err != nil { // #nosec G306 -- payload, not a secret
		return err
	}

	fmt.Printf("%s: %d bytes in, %d bytes out, %d relocation pass(es)\n",
		outPath, len(blob), len(res.Output), res.Passes)
	if len(res.Residuals) > 0 {
		fmt.Printf("%d instruction(s) kept their original bytes:\n", len(res.Residuals))
		for _, r := range res.Residuals {
			fmt.Printf("  %#010x  %s\n", r.Addr, r.Reason)
		}
	}
	return nil
}

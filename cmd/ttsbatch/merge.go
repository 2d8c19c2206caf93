package main

import (
	"context"
	"flag"
	"fmt"

	"github.com/Coffee285/azure-tts-batch-studio-sub000/internal/merge"
)

func runMerge(ctx context.Context, args []string) error {
	var (
		common commonFlags
		out    string
	)
	fs := flag.NewFlagSet("merge", flag.ExitOnError)
	common.register(fs)
	fs.StringVar(&out, "out", "", "Merged output path")
	fs.Parse(args)

	if out == "" {
		return fmt.Errorf("-out is required")
	}
	if fs.NArg() == 0 {
		return fmt.Errorf("at least one input file is required")
	}
	cfg, logger, err := common.load()
	if err != nil {
		return err
	}
	path, err := merge.FromConfig(cfg.Merge, logger).Merge(ctx, fs.Args(), out)
	if err != nil {
		return err
	}
	fmt.Println(path)
	return nil
}

package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/urfave/cli/v3"

	"github.com/cortexstream/cortexstream/internal/api"
	"github.com/cortexstream/cortexstream/internal/request"
)

func runCmd() *cli.Command {
	f := &engineFlags{}
	var (
		prompt    string
		maxTokens int64
	)

	return &cli.Command{
		Name:  "run",
		Usage: "Submit one prompt and stream generated tokens to stdout, without a server",
		Flags: append(f.flags(),
			&cli.StringFlag{Name: "prompt", Aliases: []string{"p"}, Usage: "prompt text", Destination: &prompt},
			&cli.Int64Flag{Name: "max-tokens", Usage: "tokens to generate", Value: 64, Destination: &maxTokens},
		),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			if strings.TrimSpace(prompt) == "" {
				return fmt.Errorf("run: --prompt is required")
			}

			if _, err := f.resolve(cmd); err != nil {
				return err
			}
			log := newLogger(f.logFormat, f.logLevel)

			eng, sch, be, err := buildRuntime(f, log)
			if err != nil {
				return err
			}
			if err := eng.Warmup(ctx); err != nil {
				return err
			}

			vm := api.NewVocabMap(be.VocabSize())
			promptTokens := vm.Encode(prompt)

			id := "run-" + uuid.NewString()
			r := request.New(id, promptTokens, int(maxTokens))
			done := make(chan struct{})
			r.SetTokenCallback(func(tok int, finished bool) {
				if finished {
					close(done)
					return
				}
				fmt.Print(vm.Decode([]int{tok}) + " ")
			})

			if err := sch.Submit(r); err != nil {
				return fmt.Errorf("submit: %w", err)
			}

			go func() { _ = eng.Run(ctx) }()
			<-done
			fmt.Println()

			if r.State() == request.Failed {
				return fmt.Errorf("generation failed: %s", r.ErrorMessage())
			}
			return nil
		},
	}
}

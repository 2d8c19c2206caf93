package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/Coffee285/azure-tts-batch-studio-sub000/internal/bus"
	"github.com/Coffee285/azure-tts-batch-studio-sub000/internal/protocol"
)

// runSubmit sends a render job to a running daemon and, with -wait, blocks
// until its final status arrives.
func runSubmit(ctx context.Context, args []string) error {
	var (
		f       renderFlags
		jobID   string
		wait    bool
		timeout time.Duration
	)
	fs := flag.NewFlagSet("submit", flag.ExitOnError)
	f.register(fs)
	fs.StringVar(&jobID, "job", "", "Job id (generated by the daemon when empty)")
	fs.BoolVar(&wait, "wait", true, "Wait for the job to finish")
	fs.DurationVar(&timeout, "timeout", 30*time.Minute, "How long to wait for the job")
	fs.Parse(args)

	cfg, logger, err := f.load()
	if err != nil {
		return err
	}
	text, err := readInput(f.in)
	if err != nil {
		return err
	}

	client, err := bus.Connect(ctx, cfg.Bus, logger)
	if err != nil {
		return err
	}
	defer client.Close()

	job := protocol.RenderJob{
		JobID:             jobID,
		Text:              text,
		Output:            f.out,
		Voice:             f.voice,
		Language:          f.language,
		MergeMode:         f.mergeMode,
		TargetChunkChars:  f.target,
		MinChunkChars:     f.min,
		SafetyMarginChars: f.margin,
	}
	if f.ignoreSentences {
		job.RespectSentenceBoundaries = new(bool)
	}
	if f.splitParagraphs {
		job.KeepShortParagraphsTogether = new(bool)
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan protocol.RenderStatus, 16)
	var sub *nats.Subscription
	if wait {
		sub, err = client.Conn().Subscribe(protocol.SubjectRenderDone, func(msg *nats.Msg) {
			var st protocol.RenderStatus
			if json.Unmarshal(msg.Data, &st) == nil {
				select {
				case done <- st:
				default:
				}
			}
		})
		if err != nil {
			return fmt.Errorf("subscribe: %w", err)
		}
		defer sub.Unsubscribe()
	}

	var accepted protocol.RenderStatus
	if err := client.RequestJSON(ctx, protocol.SubjectRenderRequest, job, &accepted); err != nil {
		return err
	}
	if accepted.State == protocol.StateFailed || !wait {
		return printStatus(accepted)
	}

	for {
		select {
		case st := <-done:
			if st.JobID != accepted.JobID {
				continue
			}
			if err := printStatus(st); err != nil {
				return err
			}
			if st.State == protocol.StateFailed {
				return fmt.Errorf("job %s failed: %s", st.JobID, st.Error)
			}
			return nil
		case <-ctx.Done():
			return fmt.Errorf("waiting for job %s: %w", accepted.JobID, ctx.Err())
		}
	}
}

func printStatus(st protocol.RenderStatus) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(st)
}

package main

import (
	"bytes"
	"context"
	"fmt"
	"io/fs"
	"os"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/richinsley/comfyworker/client"
	"github.com/richinsley/comfyworker/graphapi"
	"github.com/richinsley/comfyworker/handler"
	"github.com/richinsley/comfyworker/job"
	"github.com/richinsley/comfyworker/storage"
	"github.com/richinsley/comfyworker/workflow"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
)

// parseParams turns k=v pairs into request parameters. Values stay strings; the injector
// coerces them to each slot's type.
func parseParams(pairs []string) (map[string]interface{}, error) {
	params := make(map[string]interface{}, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || strings.TrimSpace(k) == "" {
			return nil, fmt.Errorf("invalid --param %q, expected key=value", p)
		}
		params[strings.TrimSpace(k)] = v
	}
	return params, nil
}

func loadTemplates(dir string) (*workflow.Store, error) {
	var fsys fs.FS = workflow.Embedded()
	if dir != "" {
		fsys = os.DirFS(dir)
	}
	return workflow.LoadStore(fsys)
}

// stageImages uploads the image slots of w. Local files are uploaded as they are, URLs are
// fetched first.
func stageImages(ctx context.Context, c *client.ComfyClient, inj *workflow.Injector, op job.Operation, w graphapi.Workflow) error {
	slots, err := inj.ImageSlots(op)
	if err != nil {
		return err
	}
	fetcher := handler.NewFetcher(0)
	for _, sl := range slots {
		t := sl.Targets[0]
		v, _ := w.Input(t.Node, t.Input)
		ref, _ := v.(string)

		var name string
		if _, statErr := os.Stat(ref); statErr == nil {
			name, err = c.UploadFileFromPath(ctx, ref, true, client.InputImageType, "")
		} else {
			var data []byte
			data, _, err = fetcher.Fetch(ctx, ref)
			if err != nil {
				return fmt.Errorf("%s: %w", sl.Name, err)
			}
			name, err = c.UploadFileFromReader(ctx, bytes.NewReader(data), sl.Name+"_"+path.Base(ref), true, client.InputImageType, "")
		}
		if err != nil {
			return fmt.Errorf("uploading %s: %w", sl.Name, err)
		}
		for _, t := range sl.Targets {
			if err := w.SetInput(t.Node, t.Input, name); err != nil {
				return err
			}
		}
	}
	return nil
}

func progressHandlers() *client.MessageHandlers {
	var bar *progressbar.ProgressBar
	var title string
	return &client.MessageHandlers{
		OnExecuting: func(msg *client.PromptMessageExecuting) {
			if bar != nil {
				_ = bar.Finish()
			}
			bar = nil
			title = msg.Title
		},
		OnProgress: func(msg *client.PromptMessageProgress) {
			if bar == nil {
				bar = progressbar.Default(int64(msg.Max), title)
			}
			_ = bar.Set(msg.Value)
		},
		OnComplete: func() {
			if bar != nil {
				_ = bar.Finish()
			}
		},
	}
}

func newRenderCmd(u *ui) *cobra.Command {
	var (
		operation   string
		pairs       []string
		outDir      string
		address     string
		port        int
		workflowDir string
		timeout     time.Duration
	)
	cmd := &cobra.Command{
		Use:   "render",
		Short: "Inject parameters into a template and run it on a ComfyUI server",
		RunE: func(cmd *cobra.Command, args []string) error {
			op := job.Operation(operation)
			if !op.Valid() {
				return fmt.Errorf("invalid --operation %q", operation)
			}
			params, err := parseParams(pairs)
			if err != nil {
				return err
			}
			store, err := loadTemplates(workflowDir)
			if err != nil {
				return err
			}
			inj := workflow.NewInjector(store)
			w, err := inj.Inject(op, params)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			c := client.NewComfyClientWithTimeout(address, port, nil, timeout, 3)
			if err := c.WaitForReady(ctx, 10*time.Second); err != nil {
				return err
			}
			if err := stageImages(ctx, c, inj, op, w); err != nil {
				return err
			}

			id := uuid.New().String()
			prompt := graphapi.NewPrompt(c.ClientID(), w)
			prompt.ExtraData = &graphapi.PromptExtraData{PngInfo: map[string]interface{}{
				"job_id":    id,
				"operation": string(op),
			}}
			artifacts, err := c.Execute(ctx, prompt, progressHandlers())
			if err != nil {
				if ctx.Err() != nil {
					// the server keeps running the prompt unless told otherwise
					ictx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					if ierr := c.Interrupt(ictx); ierr == nil {
						fmt.Fprintln(cmd.ErrOrStderr(), u.warn("[INTERRUPTED]"), "prompt interrupted")
					}
				}
				return err
			}

			publisher := storage.NewLocalPublisher(outDir)
			for i, a := range artifacts {
				key := storage.ArtifactKey(id, op, i, a.ContentType)
				ref, err := publisher.Publish(ctx, key, a.ContentType, a.Data)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s %s\n", u.ok("[OK]"), u.dim("node "+a.NodeID), ref)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&operation, "operation", string(job.OperationImageGen), "image_gen or face_swap")
	cmd.Flags().StringArrayVar(&pairs, "param", nil, "request parameter as key=value (repeatable)")
	cmd.Flags().StringVar(&outDir, "out", ".", "directory the artifacts are written to")
	cmd.Flags().StringVar(&address, "address", "localhost", "ComfyUI server address")
	cmd.Flags().IntVar(&port, "port", 8188, "ComfyUI server port")
	cmd.Flags().StringVar(&workflowDir, "workflow-dir", "", "template directory (default: built-in templates)")
	cmd.Flags().DurationVar(&timeout, "timeout", client.DefaultExecutionTimeout, "execution timeout")
	return cmd
}

package main

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"

	"github.com/richinsley/comfyworker/client"
	"github.com/richinsley/comfyworker/job"
	"github.com/richinsley/comfyworker/workflow"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// pngReport is what inspect prints for an artifact.
type pngReport struct {
	JobID      string                 `yaml:"job_id,omitempty"`
	Operation  string                 `yaml:"operation,omitempty"`
	Parameters map[string]interface{} `yaml:"parameters,omitempty"`
	Nodes      int                    `yaml:"nodes"`
	Metadata   []string               `yaml:"metadata,omitempty"`
}

// pngText decodes a metadata chunk. The engine stores extra_pnginfo values as JSON.
func pngText(chunks map[string]string, key string) string {
	raw, ok := chunks[key]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal([]byte(raw), &s); err == nil {
		return s
	}
	return raw
}

func inspectPNG(path, operation, workflowDir string) (*pngReport, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	w, chunks, err := client.PromptFromPNG(f)
	if err != nil {
		return nil, err
	}
	rep := &pngReport{
		JobID:     pngText(chunks, "job_id"),
		Operation: pngText(chunks, "operation"),
		Nodes:     len(w),
	}
	for k := range chunks {
		rep.Metadata = append(rep.Metadata, k)
	}
	sort.Strings(rep.Metadata)

	if operation != "" {
		rep.Operation = operation
	}
	op := job.Operation(rep.Operation)
	if !op.Valid() {
		return rep, nil
	}
	store, err := loadTemplates(workflowDir)
	if err != nil {
		return nil, err
	}
	params, err := workflow.NewInjector(store).Readback(op, w)
	if err != nil {
		return nil, fmt.Errorf("reading %s parameters: %w", op, err)
	}
	rep.Parameters = params
	return rep, nil
}

func newInspectCmd(u *ui) *cobra.Command {
	var operation, workflowDir string
	cmd := &cobra.Command{
		Use:   "inspect FILE.png",
		Short: "Recover the request parameters embedded in a generated image",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rep, err := inspectPNG(args[0], operation, workflowDir)
			if err != nil {
				return err
			}
			if rep.Parameters == nil {
				fmt.Fprintln(cmd.ErrOrStderr(), u.warn("[WARN]"), "operation unknown, pass --operation to read parameters")
			}
			enc := yaml.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent(2)
			defer enc.Close()
			return enc.Encode(rep)
		},
	}
	cmd.Flags().StringVar(&operation, "operation", "", "operation the image was generated with (default: from metadata)")
	cmd.Flags().StringVar(&workflowDir, "workflow-dir", "", "template directory (default: built-in templates)")
	return cmd
}

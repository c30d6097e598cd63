package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/rendis/spiral/pkg/schema"
)

func registerValidateCommand(root *cobra.Command, c *cli) {
	root.AddCommand(&cobra.Command{
		Use:   "validate <workflow.json>",
		Short: "Validate a workflow document without storing it",
		Long:  "Validate reports every structural, trigger, condition and action issue of a workflow document. Use - to read from stdin.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.validate(cmd, args[0])
		},
	})
}

func (c *cli) validate(cmd *cobra.Command, path string) error {
	wf, err := readWorkflow(cmd.InOrStdin(), path)
	if err != nil {
		return err
	}

	rt, err := newRuntime(cmd.Context(), c.cfg, c.logger)
	if err != nil {
		return err
	}
	defer rt.close(cmd.Context())

	result := rt.engine.Validator().Validate(wf)
	if err := printJSON(cmd.OutOrStdout(), map[string]any{
		"valid":    result.Valid(),
		"errors":   result.Errors,
		"warnings": result.Warnings,
	}); err != nil {
		return err
	}
	if !result.Valid() {
		return fmt.Errorf("workflow %q is invalid: %d error(s)", wf.Name, len(result.Errors))
	}
	return nil
}

// readWorkflow decodes a workflow document from path, or stdin for "-".
func readWorkflow(stdin io.Reader, path string) (*schema.Workflow, error) {
	var raw []byte
	var err error
	if path == "-" {
		raw, err = io.ReadAll(stdin)
	} else {
		raw, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, fmt.Errorf("read workflow: %w", err)
	}
	var wf schema.Workflow
	if err := json.Unmarshal(raw, &wf); err != nil {
		return nil, schema.ValidationError("workflow document is not valid JSON: %s", err.Error()).WithCause(err)
	}
	return &wf, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

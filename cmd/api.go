package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/desertthunder/mbingo/internal/api"
	"github.com/desertthunder/mbingo/internal/shared"
	"github.com/urfave/cli/v3"
)

// APIGet sends a GET through the client, refreshing the session if needed.
func (r *Runner) APIGet(ctx context.Context, cmd *cli.Command) error {
	path := cmd.StringArg("path")
	if path == "" {
		return fmt.Errorf("%w: <path>", shared.ErrMissingArgument)
	}

	r.logger.Info("GET request", "path", path)
	return r.writeOutcome(r.client.Get(ctx, path), cmd.Bool("pretty"))
}

// APIPost sends a JSON body with --method (POST by default).
func (r *Runner) APIPost(ctx context.Context, cmd *cli.Command) error {
	path := cmd.StringArg("path")
	if path == "" {
		return fmt.Errorf("%w: <path>", shared.ErrMissingArgument)
	}
	data := cmd.String("data")
	if !json.Valid([]byte(data)) {
		return fmt.Errorf("%w: --data is not valid JSON", shared.ErrInvalidInput)
	}

	method := strings.ToUpper(cmd.String("method"))
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
	default:
		return fmt.Errorf("%w: unsupported method %q", shared.ErrInvalidFlag, method)
	}

	r.logger.Info("request", "method", method, "path", path)
	req := api.NewRequest(method, path, api.WithBody(json.RawMessage(data)))
	return r.writeOutcome(r.client.Do(ctx, req), cmd.Bool("pretty"))
}

// writeOutcome prints a successful body, or returns the outcome's error.
func (r *Runner) writeOutcome(out api.Outcome, pretty bool) error {
	if !out.OK() {
		return fmt.Errorf("%w: %w", shared.ErrAPIRequest, out.Err)
	}
	defer out.Close()

	if len(out.Payload) > 0 {
		if !pretty {
			return r.writePlain("%s\n", out.Payload)
		}
		var buf bytes.Buffer
		if err := json.Indent(&buf, out.Payload, "", "  "); err != nil {
			return fmt.Errorf("failed to indent JSON: %w", err)
		}
		return r.writePlain("%s\n", buf.String())
	}

	if len(out.Body) > 0 {
		r.output.Write(out.Body)
		r.output.Write([]byte("\n"))
		return nil
	}
	return r.writePlain("%d %s\n", out.Status, http.StatusText(out.Status))
}

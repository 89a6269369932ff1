package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/ChuLiYu/flowpool/internal/registry"
	"github.com/ChuLiYu/flowpool/pkg/types"
)

const defaultServer = "http://localhost:8080"

// client talks to the HTTP API of a running pool.
type client struct {
	base string
	http *http.Client
}

func newClient(base string) *client {
	return &client{base: strings.TrimRight(base, "/"), http: &http.Client{}}
}

type apiError struct {
	Code    int
	Message string
}

func (e *apiError) Error() string { return fmt.Sprintf("server returned %d: %s", e.Code, e.Message) }

func (c *client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var e struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&e)
		return &apiError{Code: resp.StatusCode, Message: e.Error}
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

type submitRequest struct {
	Graph    json.RawMessage   `json:"graph"`
	Priority int               `json:"priority,omitempty"`
	Outputs  map[string]string `json:"outputs,omitempty"`
	Bypass   []string          `json:"bypass,omitempty"`
}

type submitResponse struct {
	ID          types.JobID     `json:"id"`
	Status      types.JobStatus `json:"status"`
	Fingerprint string          `json:"fingerprint"`
}

type resultResponse struct {
	ID        types.JobID     `json:"id"`
	Status    types.JobStatus `json:"status"`
	Outputs   map[string]any  `json:"outputs"`
	Raw       map[string]any  `json:"raw"`
	Cached    bool            `json:"cached"`
	Error     string          `json:"error"`
	ErrorKind string          `json:"error_kind"`
}

type statsResponse struct {
	Jobs  map[types.JobStatus]int `json:"jobs"`
	Queue map[string]int          `json:"queue"`
}

func (c *client) submit(ctx context.Context, req submitRequest) (submitResponse, error) {
	var out submitResponse
	err := c.do(ctx, http.MethodPost, "/v1/jobs", req, &out)
	return out, err
}

func (c *client) result(ctx context.Context, id types.JobID, wait time.Duration) (resultResponse, error) {
	q := url.Values{}
	if wait > 0 {
		q.Set("wait", "true")
		q.Set("timeout", wait.String())
	}
	var out resultResponse
	err := c.do(ctx, http.MethodGet, "/v1/jobs/"+url.PathEscape(string(id))+"/result?"+q.Encode(), nil, &out)
	return out, err
}

func (c *client) workers(ctx context.Context) ([]registry.Worker, error) {
	var out []registry.Worker
	err := c.do(ctx, http.MethodGet, "/v1/workers", nil, &out)
	return out, err
}

func (c *client) stats(ctx context.Context) (statsResponse, error) {
	var out statsResponse
	err := c.do(ctx, http.MethodGet, "/v1/stats", nil, &out)
	return out, err
}

func buildSubmitCommand() *cobra.Command {
	var (
		server   string
		wait     time.Duration
		priority int
		outputs  []string
		bypass   []string
	)
	cmd := &cobra.Command{
		Use:   "submit <graph.json>",
		Short: "Submit a workflow graph to a running pool",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			g, err := readGraph(args[0])
			if err != nil {
				return err
			}
			raw, err := json.Marshal(g)
			if err != nil {
				return err
			}
			aliases, err := parseOutputs(outputs)
			if err != nil {
				return err
			}

			c := newClient(server)
			ctx := cmd.Context()
			resp, err := c.submit(ctx, submitRequest{Graph: raw, Priority: priority, Outputs: aliases, Bypass: bypass})
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "✓ Job submitted: %s (%s, fingerprint %s)\n", resp.ID, resp.Status, shortFP(resp.Fingerprint))
			if wait <= 0 {
				return nil
			}

			res, err := c.result(ctx, resp.ID, wait)
			if err != nil {
				return err
			}
			return printResult(out, resp.ID, res)
		},
	}
	cmd.Flags().StringVar(&server, "server", defaultServer, "pool HTTP address")
	cmd.Flags().DurationVar(&wait, "wait", 0, "wait up to this long for the result")
	cmd.Flags().IntVar(&priority, "priority", 0, "queue priority (higher runs first)")
	cmd.Flags().StringArrayVar(&outputs, "output", nil, "expected output as node=alias (repeatable)")
	cmd.Flags().StringSliceVar(&bypass, "bypass", nil, "node ids to bypass")
	return cmd
}

// parseOutputs turns node=alias pairs into the output map.
func parseOutputs(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(pairs))
	for _, p := range pairs {
		node, alias, ok := strings.Cut(p, "=")
		if !ok || node == "" || alias == "" {
			return nil, fmt.Errorf("invalid --output %q, want node=alias", p)
		}
		out[node] = alias
	}
	return out, nil
}

func printResult(w io.Writer, id types.JobID, res resultResponse) error {
	if !res.Status.Terminal() {
		fmt.Fprintf(w, "… Job %s still %s\n", id, res.Status)
		return nil
	}
	if res.Status != types.StatusCompleted {
		fmt.Fprintf(w, "✗ Job %s %s: %s\n", id, res.Status, res.Error)
		return fmt.Errorf("job %s %s", id, res.Status)
	}
	cached := ""
	if res.Cached {
		cached = " (cached)"
	}
	fmt.Fprintf(w, "✓ Job %s completed%s\n", id, cached)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if len(res.Outputs) > 0 {
		return enc.Encode(res.Outputs)
	}
	return enc.Encode(res.Raw)
}

func buildStatusCommand() *cobra.Command {
	var server string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show workers and queue of a running pool",
		RunE: func(cmd *cobra.Command, args []string) error {
			c := newClient(server)
			workers, err := c.workers(cmd.Context())
			if err != nil {
				return err
			}
			stats, err := c.stats(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderStatus(server, workers, stats))
			return nil
		},
	}
	cmd.Flags().StringVar(&server, "server", defaultServer, "pool HTTP address")
	return cmd
}

func buildFingerprintCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "fingerprint <graph.json>",
		Short: "Print the structural fingerprint of a workflow graph",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			g, err := readGraph(args[0])
			if err != nil {
				return err
			}
			fp, err := g.Fingerprint()
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), fp)
			return nil
		},
	}
}

func shortFP(fp string) string {
	if len(fp) > 12 {
		return fp[:12]
	}
	return fp
}

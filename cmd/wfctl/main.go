package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/example/wfcore/pkg/wfapi"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}
	switch os.Args[1] {
	case "submit":
		runSubmit(os.Args[2:])
	case "status":
		runStatus(os.Args[2:])
	case "history":
		runHistory(os.Args[2:])
	case "cancel":
		runCancel(os.Args[2:])
	case "invalidate":
		runInvalidate(os.Args[2:])
	default:
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: wfctl <submit|status|history|cancel|invalidate> [...]")
}

type client struct {
	url   string
	token string
	http  *http.Client
}

func commonFlags(fs *flag.FlagSet) *client {
	c := &client{http: &http.Client{Timeout: 30 * time.Second}}
	fs.StringVar(&c.url, "url", envOr("WFCORE_URL", "http://127.0.0.1:8080"), "coordinator URL")
	fs.StringVar(&c.token, "token", os.Getenv("WFCORE_API_TOKEN"), "API token")
	return c
}

func runSubmit(args []string) {
	fs := flag.NewFlagSet("submit", flag.ExitOnError)
	c := commonFlags(fs)
	tenant := fs.String("tenant", "", "tenant")
	category := fs.String("category", "", "job category")
	complexity := fs.String("complexity", "", "complexity class")
	tier := fs.String("tier", "", "requested tier: low|medium|high")
	priority := fs.Int("priority", 0, "priority, higher is more important")
	file := fs.String("file", "-", "descriptor JSON file, - for stdin")
	_ = fs.Parse(args)

	descriptor, err := readInput(*file)
	if err != nil {
		fatalf("read descriptor: %v", err)
	}
	req := wfapi.SubmitJobRequest{
		Tenant:        *tenant,
		Category:      *category,
		Complexity:    *complexity,
		Priority:      *priority,
		RequestedTier: *tier,
		Descriptor:    json.RawMessage(descriptor),
	}
	var resp wfapi.SubmitJobResponse
	c.do(http.MethodPost, "/v1/jobs", req, &resp)
	fmt.Printf("%s\t%s\n", resp.JobID, resp.State)
}

func runStatus(args []string) {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	c := commonFlags(fs)
	watch := fs.Bool("watch", false, "poll until the job is terminal")
	_ = fs.Parse(args)
	id := jobArg(fs)
	for {
		var job wfapi.JobStatusResponse
		c.do(http.MethodGet, "/v1/jobs/"+id, nil, &job)
		printJSON(job)
		if !*watch || job.Terminal {
			return
		}
		time.Sleep(time.Second)
	}
}

func runHistory(args []string) {
	fs := flag.NewFlagSet("history", flag.ExitOnError)
	c := commonFlags(fs)
	_ = fs.Parse(args)
	var hist wfapi.JobHistoryResponse
	c.do(http.MethodGet, "/v1/jobs/"+jobArg(fs)+"/history", nil, &hist)
	for _, tr := range hist.Transitions {
		from := tr.From
		if from == "" {
			from = "-"
		}
		fmt.Printf("%s\t%s -> %s\t%s\t%s\n", tr.CreatedAt, from, tr.To, tr.Tier, tr.Reason)
	}
}

func runCancel(args []string) {
	fs := flag.NewFlagSet("cancel", flag.ExitOnError)
	c := commonFlags(fs)
	_ = fs.Parse(args)
	var resp wfapi.CancelJobResponse
	c.do(http.MethodPost, "/v1/jobs/"+jobArg(fs)+"/cancel", nil, &resp)
	fmt.Printf("accepted=%t state=%s\n", resp.Accepted, resp.State)
}

func runInvalidate(args []string) {
	fs := flag.NewFlagSet("invalidate", flag.ExitOnError)
	c := commonFlags(fs)
	tag := fs.String("tag", "", "cache tag, e.g. pipeline:v1 or category:scan")
	_ = fs.Parse(args)
	if strings.TrimSpace(*tag) == "" {
		fatalf("--tag is required")
	}
	var resp wfapi.InvalidateResponse
	c.do(http.MethodPost, "/v1/cache/invalidate", wfapi.InvalidateRequest{Tag: *tag}, &resp)
	fmt.Printf("removed %d entries tagged %s\n", resp.Removed, resp.Tag)
}

func (c *client) do(method, path string, body, out any) {
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			fatalf("encode request: %v", err)
		}
		r = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, strings.TrimRight(c.url, "/")+path, r)
	if err != nil {
		fatalf("build request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 300 {
		var e wfapi.ErrorResponse
		if json.Unmarshal(raw, &e) == nil && e.Error != "" {
			if e.ReasonCode != "" {
				fatalf("%s: %s (%s, job %s)", resp.Status, e.Error, e.ReasonCode, e.JobID)
			}
			fatalf("%s: %s", resp.Status, e.Error)
		}
		fatalf("%s: %s", resp.Status, strings.TrimSpace(string(raw)))
	}
	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			fatalf("decode response: %v", err)
		}
	}
}

func jobArg(fs *flag.FlagSet) string {
	if fs.NArg() < 1 || strings.TrimSpace(fs.Arg(0)) == "" {
		fatalf("usage: wfctl %s [flags] <job-id>", fs.Name())
	}
	return fs.Arg(0)
}

func readInput(path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(os.Stdin)
	}
	return os.ReadFile(path)
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}

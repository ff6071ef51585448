package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"
)

// docmirror-diag is the support CLI against a running docmirror daemon:
// inspect sync stats, export a diagnostics bundle, force retries, and flip
// per-document sync modes.

func main() {
	baseURL := flag.String("base-url", envOrDefault("DOCMIRROR_BASE_URL", "http://127.0.0.1:7420"), "docmirror daemon base URL")
	token := flag.String("token", strings.TrimSpace(os.Getenv("DOCMIRROR_ADMIN_TOKEN")), "admin bearer token")
	timeout := flag.Duration("timeout", durationEnv("DOCMIRROR_DIAG_TIMEOUT", 15*time.Second), "request timeout")
	purge := flag.Bool("purge", false, "with disable: also delete the remote copy")
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		usage()
		os.Exit(2)
	}

	client := &apiClient{
		baseURL: strings.TrimRight(strings.TrimSpace(*baseURL), "/"),
		token:   strings.TrimSpace(*token),
		http:    &http.Client{Timeout: *timeout},
	}

	var (
		payload []byte
		err     error
	)
	switch args[0] {
	case "stats":
		payload, err = client.get("/v1/sync/stats")
	case "diagnostics":
		payload, err = client.get("/v1/sync/diagnostics")
	case "modes":
		payload, err = client.get("/v1/sync/modes")
	case "force-retry":
		payload, err = client.post("/v1/sync/retries/force", nil)
	case "mode":
		if len(args) != 2 {
			log.Fatalf("usage: docmirror-diag mode <document-id>")
		}
		payload, err = client.get(modePath(args[1]))
	case "enable":
		if len(args) != 2 {
			log.Fatalf("usage: docmirror-diag enable <document-id>")
		}
		payload, err = client.post(modePath(args[1])+"/enable", nil)
	case "disable":
		if len(args) != 2 {
			log.Fatalf("usage: docmirror-diag disable [--purge] <document-id>")
		}
		payload, err = client.post(modePath(args[1])+"/disable", map[string]any{"purgeRemote": *purge})
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		log.Fatalf("%s failed: %v", args[0], err)
	}
	printJSON(payload)
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: docmirror-diag [flags] <command>")
	fmt.Fprintln(os.Stderr, "commands: stats | diagnostics | modes | force-retry | mode <id> | enable <id> | disable [--purge] <id>")
	flag.PrintDefaults()
}

func modePath(documentID string) string {
	return "/v1/documents/" + url.PathEscape(strings.TrimSpace(documentID)) + "/sync-mode"
}

type apiClient struct {
	baseURL string
	token   string
	http    *http.Client
}

func (c *apiClient) get(path string) ([]byte, error) {
	return c.do(http.MethodGet, path, nil)
}

func (c *apiClient) post(path string, body any) ([]byte, error) {
	return c.do(http.MethodPost, path, body)
}

func (c *apiClient) do(method, path string, body any) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(encoded)
	}
	req, err := http.NewRequest(method, c.baseURL+path, reader)
	if err != nil {
		return nil, err
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var errPayload struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		}
		_ = json.Unmarshal(payload, &errPayload)
		if errPayload.Code != "" {
			return nil, fmt.Errorf("http %d %s: %s", resp.StatusCode, errPayload.Code, errPayload.Message)
		}
		return nil, fmt.Errorf("http %d", resp.StatusCode)
	}
	return payload, nil
}

func printJSON(payload []byte) {
	var buf bytes.Buffer
	if err := json.Indent(&buf, payload, "", "  "); err != nil {
		os.Stdout.Write(payload)
		fmt.Println()
		return
	}
	fmt.Println(buf.String())
}

func envOrDefault(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %s", name, raw, fallback.String())
		return fallback
	}
	return value
}

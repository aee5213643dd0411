// ABOUTME: Admin subcommands that talk to a running iris over its HTTP API
// ABOUTME: health, models and usage; check runs a capability check in-process

package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"

	"github.com/2389/iris/internal/catalog"
	"github.com/2389/iris/internal/config"
	"github.com/2389/iris/internal/llm/openrouter"
	"github.com/2389/iris/internal/server"
)

const adminTimeout = 30 * time.Second

// adminClient calls the admin API of a running server.
type adminClient struct {
	baseURL string
	token   string
	http    *http.Client
}

// adminBaseURL returns where the admin API listens for this config.
func adminBaseURL(cfg *config.Config) string {
	if env := os.Getenv("IRIS_URL"); env != "" {
		return strings.TrimSuffix(env, "/")
	}
	if cfg.Tailscale.Enabled {
		return "http://" + cfg.Tailscale.Hostname
	}
	return "http://" + cfg.Server.HTTPAddr
}

// readToken returns IRIS_TOKEN or the saved token file, if any.
func readToken(configPath string) string {
	if env := os.Getenv("IRIS_TOKEN"); env != "" {
		return env
	}
	data, err := os.ReadFile(tokenPath(configPath))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

func newAdminClient() (*adminClient, error) {
	configPath := config.DefaultPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	return &adminClient{
		baseURL: adminBaseURL(cfg),
		token:   readToken(configPath),
		http:    &http.Client{Timeout: adminTimeout},
	}, nil
}

// get fetches path and decodes the JSON body into out.
func (c *adminClient) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(body, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("%s (status %d)", apiErr.Error, resp.StatusCode)
		}
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

func runHealth(ctx context.Context) error {
	client, err := newAdminClient()
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, client.baseURL+"/health/ready", nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	resp, err := client.http.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	color.New(color.FgGreen).Print("healthy")
	fmt.Printf(" - %s\n", strings.TrimSpace(string(body)))
	return nil
}

func runModels(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("models", flag.ContinueOnError)
	free := fs.Bool("free", false, "Only list free models")
	if err := fs.Parse(args); err != nil {
		return err
	}

	client, err := newAdminClient()
	if err != nil {
		return err
	}
	path := "/api/models"
	if *free {
		path += "?free=1"
	}
	var resp server.ModelsResponse
	if err := client.get(ctx, path, &resp); err != nil {
		return err
	}

	printModels(os.Stdout, resp)
	return nil
}

func printModels(out io.Writer, resp server.ModelsResponse) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "MODEL\tCONTEXT\tPRICE")
	for _, m := range resp.Models {
		price := "paid"
		if m.Free {
			price = "free"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\n", m.ID, humanize.Comma(int64(m.ContextLength)), price)
	}
	_ = w.Flush()
	if !resp.FetchedAt.IsZero() {
		fmt.Fprintf(out, "\n%d models, catalog fetched %s\n", len(resp.Models), humanize.Time(resp.FetchedAt))
	}
}

func runUsage(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("usage", flag.ContinueOnError)
	days := fs.Int("days", 7, "Window in days (1-7)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	client, err := newAdminClient()
	if err != nil {
		return err
	}
	var resp server.UsageResponse
	if err := client.get(ctx, fmt.Sprintf("/api/usage?days=%d", *days), &resp); err != nil {
		return err
	}

	printUsage(os.Stdout, resp)
	return nil
}

func printUsage(out io.Writer, resp server.UsageResponse) {
	fmt.Fprintf(out, "Tokens since %s: %s\n\n", resp.Since.Local().Format("Jan 02 15:04"), humanize.Comma(resp.TotalTokens))
	if len(resp.Models) == 0 {
		return
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "MODEL\tREQUESTS\tPROMPT\tCOMPLETION\tTOTAL")
	for _, m := range resp.Models {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", m.Model,
			humanize.Comma(m.Requests),
			humanize.Comma(m.PromptTokens),
			humanize.Comma(m.CompletionTokens),
			humanize.Comma(m.TotalTokens),
		)
	}
	_ = w.Flush()
}

// runCheck checks a model against the provider directly, without a running server.
func runCheck(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: iris check MODEL")
	}
	modelID := catalog.ParseModelID(args[0])

	cfg, err := config.Load(config.DefaultPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	logger := setupLogger(cfg.Logging)

	client := openrouter.New(openrouter.Config{
		BaseURL: cfg.Provider.BaseURL,
		APIKey:  cfg.Provider.APIKey,
		SiteURL: cfg.Provider.SiteURL,
		AppName: cfg.Provider.AppName,
		Timeout: cfg.Provider.Timeout,
	}, logger)
	cache := catalog.New(client, client, catalog.Options{Logger: logger})

	if err := cache.Refresh(ctx); err != nil {
		return fmt.Errorf("fetching catalog: %w", err)
	}
	model, ok := cache.ModelDetails(ctx, modelID)
	if !ok {
		return fmt.Errorf("model %s is not in the catalog", modelID)
	}

	yes := color.New(color.FgGreen).Sprint("yes")
	no := color.New(color.FgRed).Sprint("no")
	answer := func(b bool) string {
		if b {
			return yes
		}
		return no
	}

	fmt.Printf("Model:          %s (%s)\n", model.ID, model.Name)
	fmt.Printf("Context:        %s tokens\n", humanize.Comma(int64(model.ContextLength)))
	fmt.Printf("Free:           %s\n", answer(model.IsFree()))
	fmt.Printf("Images:         %s\n", answer(cache.SupportsImages(ctx, model.ID)))
	fmt.Printf("System prompts: %s\n", answer(cache.SupportsSystemPrompt(ctx, model.ID)))
	return nil
}

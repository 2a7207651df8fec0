package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/loykin/mcpherd/pkg/client"
)

const defaultAPIUrl = "http://127.0.0.1:8060"

func apiClient(url string, timeout time.Duration) *client.Client {
	if url == "" {
		url = defaultAPIUrl
	}
	return client.New(client.Config{BaseURL: url, Timeout: timeout})
}

func requireDaemon(ctx context.Context, c *client.Client, url string) error {
	if url == "" {
		url = defaultAPIUrl
	}
	if !c.IsReachable(ctx) {
		return fmt.Errorf("daemon not reachable at %s, start it first with 'mcpherd serve'", url)
	}
	return nil
}

func printJSON(v any) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "encode output: %v\n", err)
		return
	}
	fmt.Println(string(b))
}

func runStatus(f StatusFlags) error {
	ctx := context.Background()
	c := apiClient(f.APIUrl, f.APITimeout)
	if err := requireDaemon(ctx, c, f.APIUrl); err != nil {
		return err
	}
	if f.Name != "" {
		st, err := c.Status(ctx, f.Name)
		if err != nil {
			return err
		}
		printJSON(st)
		return nil
	}
	sts, err := c.Statuses(ctx)
	if err != nil {
		return err
	}
	printJSON(sts)
	return nil
}

func runLifecycle(f LifecycleFlags, op func(context.Context, *client.Client, string) error) error {
	if f.Name == "" {
		return fmt.Errorf("server name is required")
	}
	ctx := context.Background()
	c := apiClient(f.APIUrl, f.APITimeout)
	if err := requireDaemon(ctx, c, f.APIUrl); err != nil {
		return err
	}
	if err := op(ctx, c, f.Name); err != nil {
		return err
	}
	st, err := c.Status(ctx, f.Name)
	if err != nil {
		return err
	}
	printJSON(st)
	return nil
}

func runCall(f CallFlags) error {
	if f.Server == "" || f.Method == "" {
		return fmt.Errorf("server and method are required")
	}
	var params any
	if f.Params != "" {
		var raw json.RawMessage
		if err := json.Unmarshal([]byte(f.Params), &raw); err != nil {
			return fmt.Errorf("params must be valid JSON: %w", err)
		}
		params = raw
	}
	ctx := context.Background()
	c := apiClient(f.APIUrl, f.APITimeout)
	if err := requireDaemon(ctx, c, f.APIUrl); err != nil {
		return err
	}
	raw, err := c.Call(ctx, f.Server, f.Method, params)
	if err != nil {
		return err
	}
	var pretty any
	if json.Unmarshal(raw, &pretty) == nil {
		printJSON(pretty)
	} else {
		fmt.Println(string(raw))
	}
	return nil
}

func runTools(f ToolsFlags) error {
	if f.Server == "" {
		return fmt.Errorf("server name is required")
	}
	ctx := context.Background()
	c := apiClient(f.APIUrl, f.APITimeout)
	if err := requireDaemon(ctx, c, f.APIUrl); err != nil {
		return err
	}
	raw, err := c.Call(ctx, f.Server, "tools/list", nil)
	if err != nil {
		return err
	}
	var pretty any
	if json.Unmarshal(raw, &pretty) == nil {
		printJSON(pretty)
	} else {
		fmt.Println(string(raw))
	}
	return nil
}

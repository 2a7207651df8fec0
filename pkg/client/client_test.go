package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func fakeDaemon(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if name := r.URL.Query().Get("name"); name != "" {
			if name != "fs" {
				w.WriteHeader(http.StatusNotFound)
				_, _ = w.Write([]byte(`{"error":"not found: server ` + name + `"}`))
				return
			}
			_, _ = w.Write([]byte(`{"name":"fs","running":true,"pid":42,"connected":true,"restarts":1}`))
			return
		}
		_, _ = w.Write([]byte(`[{"name":"fs","running":true,"connected":true}]`))
	})
	mux.HandleFunc("/start", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"ok":true}`))
	})
	mux.HandleFunc("/restart", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"error":"restart limit: server fs exceeded 3 restarts"}`))
	})
	mux.HandleFunc("/call", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("method") != "tools/list" {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":"unexpected method"}`))
			return
		}
		_, _ = w.Write([]byte(`{"tools":[{"name":"read_file"}]}`))
	})
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return ts
}

func TestStatusRoundTrip(t *testing.T) {
	ts := fakeDaemon(t)
	c := New(Config{BaseURL: ts.URL})

	if !c.IsReachable(context.Background()) {
		t.Fatalf("daemon should be reachable")
	}
	st, err := c.Status(context.Background(), "fs")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if st.Name != "fs" || !st.Running || st.PID != 42 || st.Restarts != 1 {
		t.Fatalf("status %+v", st)
	}
	list, err := c.Statuses(context.Background())
	if err != nil {
		t.Fatalf("statuses: %v", err)
	}
	if len(list) != 1 || list[0].Name != "fs" {
		t.Fatalf("list %+v", list)
	}
}

func TestErrorResponsesSurfaceMessage(t *testing.T) {
	ts := fakeDaemon(t)
	c := New(Config{BaseURL: ts.URL})

	_, err := c.Status(context.Background(), "ghost")
	if err == nil || !strings.Contains(err.Error(), "not found") {
		t.Fatalf("want daemon error message, got %v", err)
	}
	err = c.Restart(context.Background(), "fs")
	if err == nil || !strings.Contains(err.Error(), "restart limit") {
		t.Fatalf("want restart limit error, got %v", err)
	}
}

func TestCall(t *testing.T) {
	ts := fakeDaemon(t)
	c := New(Config{BaseURL: ts.URL})

	raw, err := c.Call(context.Background(), "fs", "tools/list", nil)
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	var res struct {
		Tools []struct {
			Name string `json:"name"`
		} `json:"tools"`
	}
	if err := json.Unmarshal(raw, &res); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(res.Tools) != 1 || res.Tools[0].Name != "read_file" {
		t.Fatalf("tools %+v", res.Tools)
	}
}

func TestUnreachableDaemon(t *testing.T) {
	c := New(Config{BaseURL: "http://127.0.0.1:1"})
	if c.IsReachable(context.Background()) {
		t.Fatalf("nothing listens there")
	}
	if err := c.Start(context.Background(), "fs"); err == nil {
		t.Fatalf("start against dead daemon should fail")
	}
}

package httpapi

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestServerSmoke(t *testing.T) {
	t.Parallel()

	home := t.TempDir()
	app, err := NewApp(ServerOptions{Home: home, Addr: "127.0.0.1:0"})
	if err != nil {
		t.Fatalf("NewApp: %v", err)
	}

	ts := httptest.NewServer(app.Server.Handler)
	t.Cleanup(ts.Close)

	// health
	r1, err := http.Get(ts.URL + "/health")
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	if r1.StatusCode != 200 {
		t.Fatalf("/health status=%d", r1.StatusCode)
	}

	// create item
	resp, err := http.Post(ts.URL+"/items", "application/json", strings.NewReader(`{"type":"task","title":"smoke task"}`))
	if err != nil {
		t.Fatalf("POST /items: %v", err)
	}
	if resp.StatusCode != 200 {
		t.Fatalf("POST /items status=%d", resp.StatusCode)
	}
	var created struct {
		ItemID string `json:"item_id"`
		Title  string `json:"title"`
		Status string `json:"status"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		t.Fatalf("decode created item: %v", err)
	}
	if created.ItemID == "" || created.Title != "smoke task" || created.Status != "backlog" {
		t.Fatalf("created item: %+v", created)
	}

	// list items
	r2, err := http.Get(ts.URL + "/items")
	if err != nil {
		t.Fatalf("GET /items: %v", err)
	}
	var items []any
	if err := json.NewDecoder(r2.Body).Decode(&items); err != nil {
		t.Fatalf("decode /items: %v", err)
	}
	if len(items) == 0 {
		t.Fatalf("expected items")
	}

	// GET by id
	r3, _ := http.Get(ts.URL + "/items/" + created.ItemID)
	if r3.StatusCode != 200 {
		t.Fatalf("GET item by id status=%d", r3.StatusCode)
	}

	// JSON error on not found
	r4, _ := http.Get(ts.URL + "/items/nonexistent")
	if r4.StatusCode != 404 {
		t.Fatalf("GET /items/nonexistent status=%d", r4.StatusCode)
	}
	var errBody struct{ Error string }
	if err := json.NewDecoder(r4.Body).Decode(&errBody); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	if errBody.Error == "" {
		t.Fatalf("expected error message in JSON")
	}

	// SSE should produce initial connected event quickly.
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	req, _ := http.NewRequestWithContext(ctx, "GET", ts.URL+"/stream", nil)
	sseResp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET /stream: %v", err)
	}
	defer func() { _ = sseResp.Body.Close() }()

	sc := bufio.NewScanner(sseResp.Body)
	found := false
	for sc.Scan() {
		line := sc.Text()
		if strings.HasPrefix(line, "data: ") && strings.Contains(line, `"type":"connected"`) {
			found = true
			break
		}
	}
	if !found {
		t.Fatalf("did not see connected event")
	}
}

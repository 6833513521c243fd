package main

import (
	"bytes"
	"context"
	"encoding/csv"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

// endpoint answers 403 for ".../blocked", 500 on the first call to
// ".../flaky" and 200 otherwise.
type endpoint struct {
	mu    sync.Mutex
	calls map[string]int
}

func newEndpoint(t *testing.T) (*endpoint, *httptest.Server) {
	t.Helper()
	ep := &endpoint{calls: make(map[string]int)}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ep.mu.Lock()
		ep.calls[r.URL.Path]++
		n := ep.calls[r.URL.Path]
		ep.mu.Unlock()
		switch {
		case strings.HasSuffix(r.URL.Path, "/blocked"):
			w.WriteHeader(http.StatusForbidden)
		case strings.HasSuffix(r.URL.Path, "/flaky") && n == 1:
			w.WriteHeader(http.StatusInternalServerError)
		default:
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"ok":true}`))
		}
	}))
	t.Cleanup(srv.Close)
	return ep, srv
}

func (ep *endpoint) count(path string) int {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	return ep.calls[path]
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte(content), 0o600); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return p
}

func writeConfig(t *testing.T, dir, baseURL, extra string) string {
	t.Helper()
	return writeFile(t, dir, "config.yaml", `
endpoint:
  base_url: "`+baseURL+`"
  kind: message
  message_type: sms
dispatcher:
  max_concurrency: 2
journal:
  path: "`+filepath.Join(dir, "journal.db")+`"
log:
  level: error
`+extra)
}

const items = `{"recipient_type":"driver","recipient_id":"d1","payload":{"content":"hi"}}
{"recipient_type":"driver","recipient_id":"blocked","payload":{"content":"hi"}}

{"path":"message/sms/passenger/flaky","payload":{"content":"hi"}}
{"recipient_type":"driver","recipient_id":"d4","payload":{"text":"wrong shape"}}
`

// ─── readInput ───────────────────────────────────────────────────────────────

func TestReadInput(t *testing.T) {
	lines, err := readInput(strings.NewReader(items))
	if err != nil {
		t.Fatalf("readInput: %v", err)
	}
	if len(lines) != 4 {
		t.Fatalf("want 4 lines (blank skipped), got %d", len(lines))
	}
	if lines[2].Path != "message/sms/passenger/flaky" || lines[2].line != 4 {
		t.Errorf("line 3: %+v", lines[2])
	}
	if lines[0].RecipientID != "d1" || string(lines[0].Payload) != `{"content":"hi"}` {
		t.Errorf("line 1: %+v", lines[0])
	}
}

func TestReadInput_Malformed(t *testing.T) {
	for name, in := range map[string]string{
		"bad json":      "{\"path\":\n",
		"unknown field": `{"path":"x","payload":{},"colour":"red"}`,
	} {
		t.Run(name, func(t *testing.T) {
			if _, err := readInput(strings.NewReader(in)); err == nil {
				t.Error("expected an error")
			}
		})
	}
}

// ─── commands ────────────────────────────────────────────────────────────────

func TestRun_SendReportResume(t *testing.T) {
	ep, srv := newEndpoint(t)
	dir := t.TempDir()
	cfgPath := writeConfig(t, dir, srv.URL, "")
	input := writeFile(t, dir, "items.jsonl", items)
	reportPath := filepath.Join(dir, "out.csv")

	var stdout, stderr bytes.Buffer
	err := run(context.Background(), []string{"send", "-config", cfgPath, "-input", input, "-report", reportPath}, &stdout, &stderr)
	if err != nil {
		t.Fatalf("send: %v\nstderr: %s", err, stderr.String())
	}
	out := stdout.String()
	for _, want := range []string{"success", "forbidden", "server_error", "total"} {
		if !strings.Contains(out, want) {
			t.Errorf("summary missing %q:\n%s", want, out)
		}
	}

	f, err := os.Open(reportPath)
	if err != nil {
		t.Fatalf("open report: %v", err)
	}
	recs, err := csv.NewReader(f).ReadAll()
	f.Close()
	if err != nil {
		t.Fatalf("read report: %v", err)
	}
	var got [][]string
	for _, r := range recs[1:] {
		got = append(got, []string{r[0], r[1], r[2], r[3]})
	}
	want := [][]string{
		{"1", "message/sms/driver/d1", "success", "200"},
		{"2", "message/sms/driver/blocked", "forbidden", "403"},
		{"3", "message/sms/passenger/flaky", "server_error", "500"},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("report rows (-want +got):\n%s", diff)
	}

	// A second send on the same journal is refused.
	if err := run(context.Background(), []string{"send", "-config", cfgPath, "-input", input}, &stdout, &stderr); err == nil {
		t.Error("send on a non-empty journal should fail")
	}

	// resume resends only the retryable item.
	stdout.Reset()
	if err := run(context.Background(), []string{"resume", "-config", cfgPath}, &stdout, &stderr); err != nil {
		t.Fatalf("resume: %v\nstderr: %s", err, stderr.String())
	}
	if n := ep.count("/message/sms/passenger/flaky"); n != 2 {
		t.Errorf("flaky calls: want 2, got %d", n)
	}
	if n := ep.count("/message/sms/driver/blocked"); n != 1 {
		t.Errorf("blocked must not be resent, got %d calls", n)
	}

	stdout.Reset()
	if err := run(context.Background(), []string{"report", "-config", cfgPath, "-format", "csv", "-status", "success"}, &stdout, &stderr); err != nil {
		t.Fatalf("report: %v", err)
	}
	recs, err = csv.NewReader(strings.NewReader(stdout.String())).ReadAll()
	if err != nil {
		t.Fatalf("read csv: %v", err)
	}
	if len(recs) != 3 {
		t.Errorf("want header + 2 success rows, got %v", recs)
	}
}

func TestRun_SendWithRetryRounds(t *testing.T) {
	ep, srv := newEndpoint(t)
	dir := t.TempDir()
	cfgPath := writeConfig(t, dir, srv.URL, "")
	input := writeFile(t, dir, "items.jsonl", items)

	var stdout, stderr bytes.Buffer
	args := []string{"send", "-config", cfgPath, "-input", input, "-retry-rounds", "3", "-retry-wait", "1ms"}
	if err := run(context.Background(), args, &stdout, &stderr); err != nil {
		t.Fatalf("send: %v\nstderr: %s", err, stderr.String())
	}
	// One retry is enough; later rounds find nothing retryable.
	if n := ep.count("/message/sms/passenger/flaky"); n != 2 {
		t.Errorf("flaky calls: want 2, got %d", n)
	}
	if strings.Contains(stdout.String(), "server_error") {
		t.Errorf("server_error should have been retried away:\n%s", stdout.String())
	}
}

func TestRun_Usage(t *testing.T) {
	var stdout, stderr bytes.Buffer
	if err := run(context.Background(), nil, &stdout, &stderr); err == nil {
		t.Error("no command should fail")
	}
	if err := run(context.Background(), []string{"launch"}, &stdout, &stderr); err == nil {
		t.Error("unknown command should fail")
	}
	if err := run(context.Background(), []string{"send", "-config", "x.yaml"}, &stdout, &stderr); err == nil {
		t.Error("send without -input should fail")
	}
	if err := run(context.Background(), []string{"help"}, &stdout, &stderr); err != nil {
		t.Errorf("help: %v", err)
	}
}

func TestRun_ResumeWithoutJournal(t *testing.T) {
	dir := t.TempDir()
	cfgPath := writeFile(t, dir, "config.yaml", "endpoint:\n  base_url: http://127.0.0.1:1\nlog:\n  level: error\n")
	var stdout, stderr bytes.Buffer
	if err := run(context.Background(), []string{"resume", "-config", cfgPath}, &stdout, &stderr); err == nil {
		t.Error("resume without journal.path should fail")
	}
}

func TestRun_FileMode(t *testing.T) {
	var (
		mu    sync.Mutex
		names []string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		mu.Lock()
		names = append(names, r.URL.Query().Get("name"))
		mu.Unlock()
		_, _ = w.Write([]byte(`{"result":[{"fileId":36,"name":"a.txt","link":"http://x/a"}]}`))
	}))
	defer srv.Close()

	dir := t.TempDir()
	cfgPath := writeFile(t, dir, "config.yaml", `
endpoint:
  base_url: "`+srv.URL+`"
  kind: file
log:
  level: error
`)
	writeFile(t, dir, "a.txt", "hello")
	input := writeFile(t, dir, "files.jsonl",
		`{"params":{"recipient":"r","process":"p","folder":"f","name":"a.txt","batch":"b"},"file":"a.txt"}
{"params":{"recipient":"r","process":"p","folder":"f","name":"missing.txt","batch":"b"},"file":"missing.txt"}
`)

	var stdout, stderr bytes.Buffer
	if err := run(context.Background(), []string{"send", "-config", cfgPath, "-input", input}, &stdout, &stderr); err != nil {
		t.Fatalf("send: %v\nstderr: %s", err, stderr.String())
	}
	mu.Lock()
	defer mu.Unlock()
	if diff := cmp.Diff([]string{"a.txt"}, names); diff != "" {
		t.Errorf("uploaded (-want +got):\n%s", diff)
	}
	if !strings.Contains(stdout.String(), "success") {
		t.Errorf("summary:\n%s", stdout.String())
	}
}

func TestRun_RoundsErrorStopsInspection(t *testing.T) {
	_, srv := newEndpoint(t)
	dir := t.TempDir()

	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := l.Addr().String()
	l.Close()

	cfgPath := writeConfig(t, dir, srv.URL, "inspect:\n  enabled: true\n  addr: \""+addr+"\"\n")
	input := writeFile(t, dir, "items.jsonl", items)
	badReport := filepath.Join(dir, "missing", "out.csv")

	var stdout, stderr bytes.Buffer
	err = run(context.Background(), []string{"send", "-config", cfgPath, "-input", input, "-report", badReport}, &stdout, &stderr)
	if err == nil {
		t.Fatal("send with an unwritable report should fail")
	}
	if conn, err := net.DialTimeout("tcp", addr, time.Second); err == nil {
		conn.Close()
		t.Errorf("inspection api still listening on %s after send failed", addr)
	}
}

func TestRun_DeleteUploaded(t *testing.T) {
	var (
		mu      sync.Mutex
		deleted []string
	)
	mux := http.NewServeMux()
	mux.HandleFunc("POST /file", func(w http.ResponseWriter, r *http.Request) {
		id := "36"
		if r.URL.Query().Get("name") == "b.txt" {
			id = "37"
		}
		_, _ = w.Write([]byte(`{"result":[{"fileId":` + id + `,"name":"x.txt","link":"http://x/` + id + `"}]}`))
	})
	mux.HandleFunc("DELETE /file/{id}", func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		deleted = append(deleted, r.PathValue("id"))
		mu.Unlock()
		if r.PathValue("id") == "37" {
			w.WriteHeader(http.StatusNotFound)
		}
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	dir := t.TempDir()
	cfgPath := writeFile(t, dir, "config.yaml", `
endpoint:
  base_url: "`+srv.URL+`"
  kind: file
journal:
  path: "`+filepath.Join(dir, "journal.db")+`"
log:
  level: error
`)
	writeFile(t, dir, "a.txt", "hello")
	writeFile(t, dir, "b.txt", "world")
	input := writeFile(t, dir, "files.jsonl",
		`{"params":{"recipient":"r","process":"p","folder":"f","name":"a.txt","batch":"b"},"file":"a.txt"}
{"params":{"recipient":"r","process":"p","folder":"f","name":"b.txt","batch":"b"},"file":"b.txt"}
`)

	var stdout, stderr bytes.Buffer
	if err := run(context.Background(), []string{"send", "-config", cfgPath, "-input", input}, &stdout, &stderr); err != nil {
		t.Fatalf("send: %v\nstderr: %s", err, stderr.String())
	}

	stdout.Reset()
	if err := run(context.Background(), []string{"delete", "-config", cfgPath, "-uploaded", "-ids", "99"}, &stdout, &stderr); err != nil {
		t.Fatalf("delete: %v\nstderr: %s", err, stderr.String())
	}
	mu.Lock()
	got := append([]string(nil), deleted...)
	mu.Unlock()
	if diff := cmp.Diff([]string{"36", "37", "99"}, got, cmpopts.SortSlices(func(a, b string) bool { return a < b })); diff != "" {
		t.Errorf("deleted (-want +got):\n%s", diff)
	}
	for _, want := range []string{"file 36: success", "file 37: not_found", "file 99: success"} {
		if !strings.Contains(stdout.String(), want) {
			t.Errorf("output missing %q:\n%s", want, stdout.String())
		}
	}

	if err := run(context.Background(), []string{"delete", "-config", cfgPath, "-ids", "x"}, &stdout, &stderr); err == nil {
		t.Error("a non-numeric id should fail")
	}
}

func TestRun_DeleteOnMessageEndpoint(t *testing.T) {
	_, srv := newEndpoint(t)
	dir := t.TempDir()
	cfgPath := writeConfig(t, dir, srv.URL, "")
	var stdout, stderr bytes.Buffer
	if err := run(context.Background(), []string{"delete", "-config", cfgPath, "-ids", "1"}, &stdout, &stderr); err == nil {
		t.Error("delete against a message endpoint should fail")
	}
}

func TestRun_Template(t *testing.T) {
	var (
		mu      sync.Mutex
		puts    = map[string]string{}
		deletes []string
	)
	mux := http.NewServeMux()
	mux.HandleFunc("GET /template/message/sms", func(w http.ResponseWriter, r *http.Request) {
		data := `[{"name":"welcome","template":"Hi"}]`
		if n := r.URL.Query().Get("name"); n != "" && n != "welcome" {
			data = `[]`
		}
		_, _ = w.Write([]byte(`{"data":` + data + `,"page":1,"morePages":false}`))
	})
	mux.HandleFunc("PUT /template/message/sms/{name}", func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		mu.Lock()
		puts[r.PathValue("name")] = string(b)
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("DELETE /template/message/sms/{name}", func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		deletes = append(deletes, r.PathValue("name"))
		mu.Unlock()
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	dir := t.TempDir()
	cfgPath := writeConfig(t, dir, srv.URL, "")
	tpl := writeFile(t, dir, "promo.json", `{"template":"Sale {{pct}}%"}`)
	ctx := context.Background()
	var stdout, stderr bytes.Buffer

	if err := run(ctx, []string{"template", "publish", "-config", cfgPath, "-name", "promo", "-file", tpl}, &stdout, &stderr); err != nil {
		t.Fatalf("publish: %v\nstderr: %s", err, stderr.String())
	}
	if err := run(ctx, []string{"template", "publish", "-config", cfgPath, "-name", "welcome", "-file", tpl}, &stdout, &stderr); err == nil {
		t.Error("publishing over an existing template without -override should fail")
	}
	if err := run(ctx, []string{"template", "publish", "-config", cfgPath, "-name", "welcome", "-file", tpl, "-override"}, &stdout, &stderr); err != nil {
		t.Errorf("publish -override: %v", err)
	}

	stdout.Reset()
	if err := run(ctx, []string{"template", "list", "-config", cfgPath}, &stdout, &stderr); err != nil {
		t.Fatalf("list: %v", err)
	}
	if !strings.Contains(stdout.String(), `"name":"welcome"`) {
		t.Errorf("list output:\n%s", stdout.String())
	}

	if err := run(ctx, []string{"template", "delete", "-config", cfgPath, "-name", "promo"}, &stdout, &stderr); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := run(ctx, []string{"template", "rename", "-config", cfgPath}, &stdout, &stderr); err == nil {
		t.Error("unknown action should fail")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(puts) != 2 || puts["promo"] != `{"template":"Sale {{pct}}%"}` {
		t.Errorf("puts: %v", puts)
	}
	if diff := cmp.Diff([]string{"promo"}, deletes); diff != "" {
		t.Errorf("deletes (-want +got):\n%s", diff)
	}
}

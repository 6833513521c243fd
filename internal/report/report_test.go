package report_test

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/snehjoshi/batchq/internal/queue"
	"github.com/snehjoshi/batchq/internal/remote"
	"github.com/snehjoshi/batchq/internal/report"
	"github.com/snehjoshi/batchq/internal/types"
)

var t0 = time.Date(2024, 3, 1, 9, 30, 0, 0, time.UTC)

func sampleItems() []types.Item {
	return []types.Item{
		{
			Seq:         1,
			Destination: types.Destination{Path: "message/sms/driver/d1"},
			Payload:     []byte(`{"content":"hi"}`),
			Status:      types.StatusSuccess,
			HasResponse: true, ResponseCode: 200,
			Attempts:  1,
			CreatedAt: t0,
		},
		{
			Seq:         2,
			Destination: types.Destination{Path: "file", Params: map[string]string{"name": "a.csv", "batch": "b"}},
			Payload:     make([]byte, 2048),
			Status:      types.StatusTimeout,
			Attempts:    2,
			CreatedAt:   t0.Add(time.Second),
		},
		{
			Seq:         3,
			Destination: types.Destination{Path: "message/sms/driver/d3"},
			Status:      types.StatusPending,
			CreatedAt:   t0.Add(2 * time.Second),
		},
	}
}

func TestTable(t *testing.T) {
	rows := report.Table(sampleItems())
	want := []report.Row{
		{Seq: 1, Destination: "message/sms/driver/d1", Status: types.StatusSuccess, HasResponse: true, ResponseCode: 200, Attempts: 1, PayloadBytes: 16, CreatedAt: t0},
		{Seq: 2, Destination: "file?batch=b&name=a.csv", Status: types.StatusTimeout, Attempts: 2, PayloadBytes: 2048, CreatedAt: t0.Add(time.Second)},
		{Seq: 3, Destination: "message/sms/driver/d3", Status: types.StatusPending, CreatedAt: t0.Add(2 * time.Second)},
	}
	if diff := cmp.Diff(want, rows); diff != "" {
		t.Errorf("Table mismatch (-want +got):\n%s", diff)
	}
}

func uploadItems() []types.Item {
	file := remote.FileDestination(remote.FileMeta{Recipient: "r", Process: "p", Folder: "f", Name: "a.pdf", Batch: "b"})
	return []types.Item{
		{
			Seq: 1, Destination: file, Status: types.StatusSuccess,
			HasResponse: true, ResponseCode: 200,
			ResponseBody: []byte(`{"result":[{"fileId":1295,"name":"a.pdf","link":"https://files/a"}]}`),
			CreatedAt:    t0,
		},
		{
			Seq: 2, Destination: file, Status: types.StatusServerError,
			HasResponse: true, ResponseCode: 500,
			ResponseBody: []byte(`{"result":[{"fileId":7,"name":"b.pdf"}]}`),
			CreatedAt:    t0,
		},
		{
			Seq: 3, Destination: file, Status: types.StatusSuccess,
			HasResponse: true, ResponseCode: 200,
			ResponseBody: []byte(`ok`),
			CreatedAt:    t0,
		},
	}
}

func TestTable_Upload(t *testing.T) {
	rows := report.Table(uploadItems())
	want := &remote.Upload{ID: 1295, Name: "a.pdf", Link: "https://files/a", Key: "zz", Type: "pdf"}
	if diff := cmp.Diff(want, rows[0].Upload); diff != "" {
		t.Errorf("upload (-want +got):\n%s", diff)
	}
	// Failed uploads and unparseable answers carry nothing.
	if rows[1].Upload != nil || rows[2].Upload != nil {
		t.Errorf("rows 2-3 must have no upload: %+v %+v", rows[1].Upload, rows[2].Upload)
	}
	// Message rows never carry one.
	if report.Table(sampleItems())[0].Upload != nil {
		t.Error("message row with upload")
	}
}

func TestWriteCSV_UploadColumns(t *testing.T) {
	var buf bytes.Buffer
	if err := report.WriteCSV(&buf, report.Table(uploadItems())); err != nil {
		t.Fatalf("WriteCSV: %v", err)
	}
	recs, err := csv.NewReader(&buf).ReadAll()
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	if diff := cmp.Diff([]string{"upload_id", "upload_name", "link", "key", "type"}, recs[0][6:]); diff != "" {
		t.Errorf("header (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"1295", "a.pdf", "https://files/a", "zz", "pdf"}, recs[1][6:]); diff != "" {
		t.Errorf("row 1 (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"", "", "", "", ""}, recs[2][6:]); diff != "" {
		t.Errorf("row 2 (-want +got):\n%s", diff)
	}

	buf.Reset()
	if err := report.WriteJSON(&buf, report.Table(uploadItems())); err != nil {
		t.Fatalf("WriteJSON: %v", err)
	}
	var got []map[string]any
	if err := json.Unmarshal(buf.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	up, ok := got[0]["upload"].(map[string]any)
	if !ok || up["id"] != float64(1295) || up["key"] != "zz" {
		t.Errorf("JSON upload: %v", got[0])
	}
	if _, ok := got[1]["upload"]; ok {
		t.Errorf("failed upload must omit upload: %v", got[1])
	}
}

func TestFromQueue(t *testing.T) {
	q, err := queue.New(queue.WithClock(func() time.Time { return t0 }))
	if err != nil {
		t.Fatalf("queue.New: %v", err)
	}
	_, _ = q.Append(types.Destination{Path: "a"}, []byte("1"))
	_, _ = q.Append(types.Destination{Path: "b"}, []byte("22"))

	rows := report.FromQueue(q)
	if len(rows) != 2 || rows[0].Seq != 1 || rows[1].Destination != "b" {
		t.Fatalf("FromQueue: %+v", rows)
	}
	if rows[1].Status != types.StatusPending || !rows[1].CreatedAt.Equal(t0) {
		t.Errorf("row 2: %+v", rows[1])
	}
}

func TestSummarize(t *testing.T) {
	got := report.Summarize(sampleItems())
	want := map[types.Status]int{types.StatusSuccess: 1, types.StatusTimeout: 1, types.StatusPending: 1}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Summarize (-want +got):\n%s", diff)
	}
}

func TestWriteCSV(t *testing.T) {
	var buf bytes.Buffer
	if err := report.WriteCSV(&buf, report.Table(sampleItems())); err != nil {
		t.Fatalf("WriteCSV: %v", err)
	}
	recs, err := csv.NewReader(&buf).ReadAll()
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	want := [][]string{
		{"seq", "destination", "status", "response_code", "attempts", "created_at"},
		{"1", "message/sms/driver/d1", "success", "200", "1", "2024-03-01 09:30:00"},
		{"2", "file?batch=b&name=a.csv", "timeout", "", "2", "2024-03-01 09:30:01"},
		{"3", "message/sms/driver/d3", "pending", "", "0", "2024-03-01 09:30:02"},
	}
	if diff := cmp.Diff(want, recs); diff != "" {
		t.Errorf("CSV (-want +got):\n%s", diff)
	}
}

func TestWriteJSON(t *testing.T) {
	var buf bytes.Buffer
	if err := report.WriteJSON(&buf, report.Table(sampleItems())); err != nil {
		t.Fatalf("WriteJSON: %v", err)
	}
	var got []map[string]any
	if err := json.Unmarshal(buf.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(got) != 3 || got[1]["status"] != "timeout" || got[0]["response_code"] != float64(200) {
		t.Errorf("JSON rows: %v", got)
	}
	if _, ok := got[2]["response_code"]; ok {
		t.Errorf("row without response must omit response_code: %v", got[2])
	}

	buf.Reset()
	_ = report.WriteJSON(&buf, nil)
	if strings.TrimSpace(buf.String()) != "[]" {
		t.Errorf("empty rows: want [], got %q", buf.String())
	}
}

func TestWriteText(t *testing.T) {
	var buf bytes.Buffer
	now := t0.Add(2 * time.Hour)
	if err := report.WriteText(&buf, report.Table(sampleItems()), now); err != nil {
		t.Fatalf("WriteText: %v", err)
	}
	out := buf.String()
	lines := strings.Split(strings.TrimRight(out, "\n"), "\n")
	if len(lines) != 4 {
		t.Fatalf("want header + 3 lines, got %d:\n%s", len(lines), out)
	}
	for _, want := range []string{"SEQ", "2 hours ago", "2.0 kB", "file?batch=b&name=a.csv", "timeout"} {
		if !strings.Contains(out, want) {
			t.Errorf("text report missing %q:\n%s", want, out)
		}
	}
}

func TestWriteSummary(t *testing.T) {
	var buf bytes.Buffer
	counts := map[types.Status]int{types.StatusForbidden: 1100, types.StatusSuccess: 1}
	if err := report.WriteSummary(&buf, counts); err != nil {
		t.Fatalf("WriteSummary: %v", err)
	}
	out := buf.String()
	// success is declared before forbidden.
	if strings.Index(out, "success") > strings.Index(out, "forbidden") {
		t.Errorf("summary order:\n%s", out)
	}
	if !strings.Contains(out, "1,100") || !strings.Contains(out, "1,101") {
		t.Errorf("summary counts:\n%s", out)
	}
}

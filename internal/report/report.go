// Package report renders the tabular view of a batch: one row per item with
// its destination, status, response code and creation time. Successful file
// uploads also carry what the endpoint stored.
package report

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/snehjoshi/batchq/internal/remote"
	"github.com/snehjoshi/batchq/internal/types"
)

// TimeLayout is how CreatedAt is rendered in CSV and text reports.
const TimeLayout = "2006-01-02 15:04:05"

// Row is one line of the report.
type Row struct {
	Seq          uint64       `json:"seq"`
	Destination  string       `json:"destination"`
	Status       types.Status `json:"status"`
	HasResponse  bool         `json:"-"`
	ResponseCode int          `json:"response_code,omitempty"`
	Attempts     int          `json:"attempts"`
	PayloadBytes int          `json:"payload_bytes"`
	CreatedAt    time.Time    `json:"created_at"`
	// Upload is set for successful uploads whose answer named the stored file.
	Upload *remote.Upload `json:"upload,omitempty"`
}

// Source is anything that can hand out a consistent copy of its items.
type Source interface {
	Snapshot() []types.Item
}

// Table builds one row per item, in the order given.
func Table(items []types.Item) []Row {
	rows := make([]Row, len(items))
	for i, it := range items {
		rows[i] = Row{
			Seq:          it.Seq,
			Destination:  it.Destination.String(),
			Status:       it.Status,
			HasResponse:  it.HasResponse,
			ResponseCode: it.ResponseCode,
			Attempts:     it.Attempts,
			PayloadBytes: len(it.Payload),
			CreatedAt:    it.CreatedAt,
			Upload:       upload(it),
		}
	}
	return rows
}

func upload(it types.Item) *remote.Upload {
	if it.Status != types.StatusSuccess || strings.Trim(it.Destination.Path, "/") != remote.FilePath {
		return nil
	}
	up, err := remote.ParseUpload(it.ResponseBody)
	if err != nil {
		return nil
	}
	return &up
}

// FromQueue builds the table from one snapshot of src.
func FromQueue(src Source) []Row { return Table(src.Snapshot()) }

// Summarize counts items per status.
func Summarize(items []types.Item) map[types.Status]int {
	out := make(map[types.Status]int)
	for _, it := range items {
		out[it.Status]++
	}
	return out
}

func (r Row) code() string {
	if !r.HasResponse {
		return ""
	}
	return strconv.Itoa(r.ResponseCode)
}

// ─── Writers ─────────────────────────────────────────────────────────────────

// WriteCSV writes rows with a header line. When any row carries an upload,
// the upload columns are appended.
func WriteCSV(w io.Writer, rows []Row) error {
	withUpload := false
	for _, r := range rows {
		if r.Upload != nil {
			withUpload = true
			break
		}
	}

	cw := csv.NewWriter(w)
	header := []string{"seq", "destination", "status", "response_code", "attempts", "created_at"}
	if withUpload {
		header = append(header, "upload_id", "upload_name", "link", "key", "type")
	}
	if err := cw.Write(header); err != nil {
		return err
	}
	for _, r := range rows {
		rec := []string{
			strconv.FormatUint(r.Seq, 10),
			r.Destination,
			r.Status.String(),
			r.code(),
			strconv.Itoa(r.Attempts),
			r.CreatedAt.Format(TimeLayout),
		}
		if withUpload {
			if u := r.Upload; u != nil {
				rec = append(rec, strconv.FormatInt(u.ID, 10), u.Name, u.Link, u.Key, u.Type)
			} else {
				rec = append(rec, "", "", "", "", "")
			}
		}
		if err := cw.Write(rec); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// WriteJSON writes rows as an indented JSON array.
func WriteJSON(w io.Writer, rows []Row) error {
	if rows == nil {
		rows = []Row{}
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(rows)
}

// WriteText writes an aligned table for terminals. Ages are relative to now.
func WriteText(w io.Writer, rows []Row, now time.Time) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SEQ\tSTATUS\tCODE\tTRIES\tSIZE\tCREATED\tDESTINATION")
	for _, r := range rows {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%d\t%s\t%s\t%s\n",
			r.Seq,
			r.Status,
			r.code(),
			r.Attempts,
			humanize.Bytes(uint64(r.PayloadBytes)),
			humanize.RelTime(r.CreatedAt, now, "ago", "from now"),
			r.Destination,
		)
	}
	return tw.Flush()
}

// WriteSummary writes one "status count" line per non-zero status, in status
// declaration order, followed by the total.
func WriteSummary(w io.Writer, counts map[types.Status]int) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	var total int
	for _, s := range types.AllStatuses {
		n := counts[s]
		if n == 0 {
			continue
		}
		total += n
		fmt.Fprintf(tw, "%s\t%s\n", s, humanize.Comma(int64(n)))
	}
	fmt.Fprintf(tw, "total\t%s\n", humanize.Comma(int64(total)))
	return tw.Flush()
}

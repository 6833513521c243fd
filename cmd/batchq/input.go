package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/snehjoshi/batchq/internal/broker"
	"github.com/snehjoshi/batchq/internal/config"
	"github.com/snehjoshi/batchq/internal/queue"
	"github.com/snehjoshi/batchq/internal/remote"
	"github.com/snehjoshi/batchq/internal/types"
)

// maxLineBytes bounds one JSONL input line.
const maxLineBytes = 8 << 20

var errBadLine = errors.New("malformed input line")

// isRejection reports whether err is about the item itself rather than the
// process (journal I/O and the like).
func isRejection(err error) bool {
	return errors.Is(err, queue.ErrValidation) || errors.Is(err, errBadLine)
}

// inputLine is one line of the JSONL input.
//
// Message endpoints accept either an explicit path or a recipient:
//
//	{"path":"message/sms/driver/d1","payload":{"content":"hi"}}
//	{"recipient_type":"driver","recipient_id":"d1","payload":{"content":"hi"}}
//
// File endpoints name the file to upload, relative to the input file:
//
//	{"params":{"recipient":"r1","process":"p","folder":"f","name":"a.pdf","batch":"b1"},"file":"a.pdf"}
type inputLine struct {
	Path          string            `json:"path"`
	Params        map[string]string `json:"params"`
	Payload       json.RawMessage   `json:"payload"`
	File          string            `json:"file"`
	RecipientType string            `json:"recipient_type"`
	RecipientID   string            `json:"recipient_id"`

	line int
}

// readInput parses every non-blank line of r. A malformed line aborts the
// read so that nothing is queued from a half-understood file.
func readInput(r io.Reader) ([]inputLine, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64<<10), maxLineBytes)

	var out []inputLine
	n := 0
	for sc.Scan() {
		n++
		raw := bytes.TrimSpace(sc.Bytes())
		if len(raw) == 0 {
			continue
		}
		var in inputLine
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&in); err != nil {
			return nil, fmt.Errorf("input line %d: %w", n, err)
		}
		in.line = n
		out = append(out, in)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read input: %w", err)
	}
	return out, nil
}

// appendInput queues every line on b. Lines the broker rejects are logged and
// skipped; rejected counts them.
func appendInput(b *broker.Broker, lines []inputLine, baseDir string, logger *slog.Logger) (appended, rejected int, err error) {
	kind := b.Config().Endpoint.Kind
	for _, in := range lines {
		seq, aerr := appendLine(b, kind, in, baseDir)
		if aerr != nil {
			if errors.Is(aerr, os.ErrNotExist) || errors.Is(aerr, os.ErrPermission) {
				logger.Warn("input file unreadable", "line", in.line, "file", in.File, "err", aerr)
				rejected++
				continue
			}
			if isRejection(aerr) {
				logger.Warn("item rejected", "line", in.line, "err", aerr)
				rejected++
				continue
			}
			return appended, rejected, fmt.Errorf("input line %d: %w", in.line, aerr)
		}
		logger.Debug("item queued", "line", in.line, "seq", seq)
		appended++
	}
	return appended, rejected, nil
}

func appendLine(b *broker.Broker, kind string, in inputLine, baseDir string) (uint64, error) {
	if kind == config.KindFile {
		if in.File == "" {
			return 0, fmt.Errorf("%w: file mode lines need a \"file\"", errBadLine)
		}
		path := in.File
		if !filepath.IsAbs(path) {
			path = filepath.Join(baseDir, path)
		}
		content, err := os.ReadFile(path)
		if err != nil {
			return 0, err
		}
		dest := in.Path
		if dest == "" {
			dest = remote.FilePath
		}
		return b.Append(types.Destination{Path: dest, Params: in.Params}, content)
	}

	if in.Path == "" {
		return b.AppendMessage(in.RecipientType, in.RecipientID, in.Payload)
	}
	return b.Append(types.Destination{Path: in.Path, Params: in.Params}, in.Payload)
}

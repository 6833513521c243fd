package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/snehjoshi/batchq/internal/broker"
	"github.com/snehjoshi/batchq/internal/report"
	"github.com/snehjoshi/batchq/internal/types"
)

// ─── delete ──────────────────────────────────────────────────────────────────

func runDelete(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	fs := flag.NewFlagSet("delete", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "config.yaml", "path to config file")
	idList := fs.String("ids", "", "comma-separated file IDs to delete")
	uploaded := fs.Bool("uploaded", false, "also delete every file the journal recorded as uploaded")
	if err := fs.Parse(args); err != nil {
		return err
	}

	ids, err := parseIDs(*idList)
	if err != nil {
		return err
	}

	e, err := setup(*configPath, stderr)
	if err != nil {
		return err
	}
	defer e.close()

	if *uploaded {
		if e.cfg.Journal.Path == "" {
			return errors.New("delete: -uploaded needs journal.path")
		}
		for _, row := range report.Table(e.broker.Items(types.StatusSuccess)) {
			if row.Upload != nil {
				ids = append(ids, row.Upload.ID)
			}
		}
	}
	if len(ids) == 0 {
		return fmt.Errorf("delete: no file IDs given\n%w", errUsage)
	}

	results, err := e.broker.DeleteFiles(ctx, ids)
	counts := make(map[types.Status]int)
	for _, r := range results {
		counts[r.Status]++
		if r.Status != types.StatusPending {
			fmt.Fprintf(stdout, "file %d: %s\n", r.FileID, r.Status)
		}
	}
	if results != nil {
		if werr := report.WriteSummary(stdout, counts); werr != nil && err == nil {
			err = werr
		}
	}
	return err
}

func parseIDs(list string) ([]int64, error) {
	var ids []int64
	for _, s := range strings.Split(list, ",") {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		id, err := strconv.ParseInt(s, 10, 64)
		if err != nil || id <= 0 {
			return nil, fmt.Errorf("delete: bad file id %q", s)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// ─── template ────────────────────────────────────────────────────────────────

func runTemplate(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	if len(args) == 0 {
		return fmt.Errorf("template: missing action\n%w", errUsage)
	}
	action := args[0]
	fs := flag.NewFlagSet("template "+action, flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "config.yaml", "path to config file")
	name := fs.String("name", "", "template name")
	file := fs.String("file", "", "JSON template document to publish")
	override := fs.Bool("override", false, "replace an existing template of the same name")
	if err := fs.Parse(args[1:]); err != nil {
		return err
	}

	cfg, logger, err := loadConfig(*configPath, stderr)
	if err != nil {
		return err
	}
	store, err := broker.NewTemplateStore(cfg)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, cfg.Timeout())
	defer cancel()

	switch action {
	case "list":
		tpls, err := store.List(ctx, *name)
		if err != nil {
			return err
		}
		for _, t := range tpls {
			fmt.Fprintf(stdout, "%s\n", t.Doc)
		}
		return nil
	case "publish":
		if *name == "" || *file == "" {
			return fmt.Errorf("template publish: -name and -file are required\n%w", errUsage)
		}
		doc, err := os.ReadFile(*file)
		if err != nil {
			return fmt.Errorf("read template: %w", err)
		}
		if err := store.Publish(ctx, *name, doc, *override); err != nil {
			return err
		}
		logger.Info("template published", "name", *name, "type", cfg.Endpoint.MessageType)
		return nil
	case "delete":
		if *name == "" {
			return fmt.Errorf("template delete: -name is required\n%w", errUsage)
		}
		if err := store.Delete(ctx, *name); err != nil {
			return err
		}
		logger.Info("template deleted", "name", *name, "type", cfg.Endpoint.MessageType)
		return nil
	}
	return fmt.Errorf("template: unknown action %q\n%w", action, errUsage)
}

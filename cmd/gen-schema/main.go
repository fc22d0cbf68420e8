// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Command gen-schema generates the diagnostic report JSON Schema file.
//
// The generated schema is checked against a sample report before it is
// written. With --check nothing is written; the command fails when the
// file on disk differs from what would be generated.
package main

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/samber/oops"
	"github.com/spf13/pflag"

	"github.com/holomush/authflow/internal/diag"
)

const schemaFile = "authflow-report.schema.json"

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string, stdout io.Writer) error {
	flags := pflag.NewFlagSet("gen-schema", pflag.ContinueOnError)
	flags.SetOutput(io.Discard)
	outDir := flags.String("out", "schemas", "directory to write the schema into")
	check := flags.Bool("check", false, "fail if the schema on disk is out of date instead of writing it")
	if err := flags.Parse(args); err != nil {
		return oops.Code("SCHEMA_INVALID_FLAG").Wrap(err)
	}

	schema, err := diag.GenerateSchema()
	if err != nil {
		return err //nolint:wrapcheck // coded by diag
	}
	if err := validateSample(); err != nil {
		return err
	}

	outPath := filepath.Join(*outDir, schemaFile)
	if *check {
		current, err := os.ReadFile(outPath) //nolint:gosec // path comes from the operator
		if errors.Is(err, fs.ErrNotExist) {
			return oops.Code("SCHEMA_STALE").With("path", outPath).Errorf("schema file is missing")
		}
		if err != nil {
			return oops.Code("SCHEMA_READ_FAILED").With("path", outPath).Wrap(err)
		}
		if !bytes.Equal(current, schema) {
			return oops.Code("SCHEMA_STALE").With("path", outPath).Errorf("schema file is out of date; run gen-schema")
		}
		fmt.Fprintf(stdout, "%s is up to date\n", outPath)
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(outPath), 0o750); err != nil {
		return oops.Code("SCHEMA_WRITE_FAILED").With("path", outPath).Wrap(err)
	}
	if err := os.WriteFile(outPath, schema, 0o600); err != nil {
		return oops.Code("SCHEMA_WRITE_FAILED").With("path", outPath).Wrap(err)
	}
	fmt.Fprintf(stdout, "Generated %s\n", outPath)
	return nil
}

// validateSample checks that a report with every optional part filled in
// passes the generated schema.
func validateSample() error {
	at := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	entry := diag.Entry{
		Timestamp: at,
		Event:     "persistence_selected",
		TraceID:   "sample",
		Level:     diag.LevelInfo,
		Data:      map[string]any{"backend": "indexed", "elapsed_ms": 3},
	}
	report := diag.NewReport("sample", at, diag.EnvSnapshot{
		UserAgent: "gen-schema",
		Online:    true,
		Storage:   diag.StorageSnapshot{Backend: "indexed", Store: "sqlite", Available: true},
	}, []diag.Session{{TraceID: "sample", StartedAt: at, Entries: []diag.Entry{entry}, Dropped: 1}})

	var buf bytes.Buffer
	if err := report.WriteJSON(&buf); err != nil {
		return err //nolint:wrapcheck // coded by diag
	}
	if err := diag.ValidateReport(buf.Bytes()); err != nil {
		return oops.Code("SCHEMA_SELF_CHECK_FAILED").Wrap(err)
	}
	return nil
}

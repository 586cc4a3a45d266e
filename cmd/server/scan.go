package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/uploadguard/backend/internal/models"
	"github.com/uploadguard/backend/internal/scanner"
	"github.com/uploadguard/backend/internal/storage"
	"github.com/uploadguard/backend/internal/streaming"
)

func scanCommand() *cli.Command {
	return &cli.Command{
		Name:      "scan",
		Usage:     "Analyze local files and print one JSON verdict per file",
		ArgsUsage: "<file>...",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "record",
				Usage: "Record verdicts in the configured verdict store",
			},
		},
		Action: scanAction,
	}
}

// ScanReport is printed for every scanned file.
type ScanReport struct {
	File   string                 `json:"file"`
	Mode   string                 `json:"mode"`
	Chunks int                    `json:"chunks"`
	Result *models.AnalysisResult `json:"result,omitempty"`
	Error  *models.ErrorPayload   `json:"error,omitempty"`
}

func scanAction(c *cli.Context) error {
	if c.NArg() == 0 {
		return cli.Exit("scan requires at least one file", exitFailure)
	}

	cfg, _, logger, err := loadRuntime(c)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	var verdicts storage.VerdictStore
	if c.Bool("record") {
		if err := cfg.EnsureDirectories(); err != nil {
			return cli.Exit(fmt.Sprintf("failed to create directories: %v", err), exitFailure)
		}
		verdicts, err = openVerdictStore(cfg, logger)
		if err != nil {
			return cli.Exit(fmt.Sprintf("failed to open verdict store: %v", err), exitFailure)
		}
		defer verdicts.Close()
	}

	s := newScanner(cfg, verdicts, nil, logger)
	if _, err := s.LoadModule(c.Context, cfg.Analysis.EngineOptions()); err != nil {
		return cli.Exit(fmt.Sprintf("failed to load analysis module: %v", err), exitFailure)
	}

	enc := json.NewEncoder(c.App.Writer)
	enc.SetIndent("", "  ")

	blocked := false
	failed := false
	for _, path := range c.Args().Slice() {
		report := scanFile(c.Context, s, path, sleepContext)
		if report.Error != nil {
			failed = true
			logger.Warn("scan failed", zap.String("file", path), zap.String("code", report.Error.Code))
		} else if report.Result != nil && report.Result.Decision == models.DecisionBlock {
			blocked = true
		}
		if err := enc.Encode(report); err != nil {
			return cli.Exit(fmt.Sprintf("failed to write report: %v", err), exitFailure)
		}
	}

	switch {
	case blocked:
		return cli.Exit("", exitBlocked)
	case failed:
		return cli.Exit("", exitFailure)
	}
	return nil
}

// scanFile analyzes one file. Files no larger than a chunk use the
// single-call path; larger files are streamed.
func scanFile(ctx context.Context, s *scanner.Scanner, path string, sleep func(context.Context, time.Duration) error) ScanReport {
	report := ScanReport{File: path}
	chunkSize := s.Streams().Limits().ChunkSize

	f, err := os.Open(path)
	if err != nil {
		report.Error = localError(err)
		return report
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		report.Error = localError(err)
		return report
	}

	if st.Size() <= chunkSize {
		data, err := io.ReadAll(f)
		if err != nil {
			report.Error = localError(err)
			return report
		}
		report.Mode = "single"
		report.Chunks = 1
		resp := s.AnalyzeFile(ctx, models.AnalyzeFileRequest{Content: string(data), FileName: filepath.Base(path)})
		report.Result, report.Error = resp.Result, resp.Error
		return report
	}

	report.Mode = "stream"
	opID := uuid.NewString()
	init := s.StreamInit(ctx, models.StreamInitRequest{
		OperationID: opID,
		File:        models.FileMeta{Name: filepath.Base(path), Size: st.Size()},
	})
	if !init.Success {
		report.Error = init.Error
		return report
	}

	chunker := streaming.NewChunker(f, int(chunkSize))
	for {
		chunk, err := chunker.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			s.StreamFinalize(ctx, models.StreamFinalizeRequest{OperationID: opID, Force: true})
			report.Error = localError(err)
			return report
		}

		seq := uint64(report.Chunks)
		resp := s.StreamChunk(ctx, models.StreamChunkRequest{OperationID: opID, Chunk: string(chunk), Sequence: &seq})
		if !resp.Success {
			s.StreamFinalize(ctx, models.StreamFinalizeRequest{OperationID: opID, Force: true})
			report.Error = resp.Error
			return report
		}
		report.Chunks++

		if bp := resp.Backpressure; bp != nil && bp.Pause && bp.ResumeAfterMs > 0 {
			if err := sleep(ctx, time.Duration(bp.ResumeAfterMs)*time.Millisecond); err != nil {
				s.StreamFinalize(ctx, models.StreamFinalizeRequest{OperationID: opID, Force: true})
				report.Error = localError(err)
				return report
			}
		}
	}

	final := s.StreamFinalize(ctx, models.StreamFinalizeRequest{OperationID: opID})
	report.Result, report.Error = final.Result, final.Error
	return report
}

func localError(err error) *models.ErrorPayload {
	return &models.ErrorPayload{
		Code:      "LOCAL_IO_ERROR",
		Message:   err.Error(),
		Timestamp: time.Now().UnixMilli(),
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

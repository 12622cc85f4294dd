package commands

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/Sumatoshi-tech/crateminer/internal/blocking"
	"github.com/Sumatoshi-tech/crateminer/internal/dbdump"
	"github.com/Sumatoshi-tech/crateminer/internal/ioagent"
	"github.com/Sumatoshi-tech/crateminer/internal/ledger"
	"github.com/Sumatoshi-tech/crateminer/internal/progress"
	"github.com/Sumatoshi-tech/crateminer/internal/telemetry"
)

const dbDumpURL = "https://static.crates.io/db-dump.tar.gz"

// NewDumpCommand builds the `dump` command: download and ingest crates.io's
// periodic database dump, folding users/teams into actor records.
func NewDumpCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "dump",
		Short: "Download and ingest the crates.io database dump",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDump(cmd)
		},
	}
}

func runDump(cmd *cobra.Command) error {
	ctx := cmd.Context()
	log := telemetry.New(telemetry.ModeDump, telemetry.ParseLevel("info"))
	tree := progress.NewTree(log)
	item := tree.Child("db_dump")

	cfg, s, previousStartup, closeStore, err := openStoreForCommand(cmd)
	if err != nil {
		return err
	}
	defer closeStore()

	l := ledger.New(s, previousStartup, cfg.IOAgent.RetryAttempts)

	const fqKey = "crates-io-db-dump:db_dump:1"

	result, err := l.Claim(fqKey, "db_dump", "1")
	if err != nil {
		return err
	}

	if result != ledger.Claimed {
		log.Info("db dump already up to date, nothing to do")
		fmt.Fprintln(cmd.OutOrStdout(), "db dump already ingested")

		return nil
	}

	destDir := filepath.Join(cfg.DataDir, "downloads")

	reqCh := make(chan ioagent.DownloadRequest, 1)
	respCh := make(chan ioagent.DownloadResponse, 1)

	pool := ioagent.New(1, http.DefaultClient, reqCh)
	pool.Start(ctx)

	item.Blocked("downloading db dump")

	reqCh <- ioagent.DownloadRequest{
		FQKey: fqKey, Kind: "db-dump.tar.gz", URL: dbDumpURL, DestDir: destDir, Response: respCh,
	}
	close(reqCh)

	resp := <-respCh
	pool.Stop()

	if resp.Error != nil {
		_ = l.Fail(fqKey, resp.Error.Error())

		return resp.Error
	}

	item.Done("downloaded db dump")

	f, err := os.Open(resp.Path)
	if err != nil {
		_ = l.Fail(fqKey, err.Error())

		return err
	}
	defer f.Close()

	item.Blocked("extracting db dump")

	extractCtx, cancel := context.WithTimeout(ctx, cfg.BlockingTimeout)

	dump, err := blocking.RunValue(extractCtx, func() (*dbdump.Dump, error) {
		return dbdump.Extract(f)
	})

	cancel()

	if err != nil {
		_ = l.Fail(fqKey, err.Error())

		return err
	}

	item.Done("extracted db dump")

	actors := s.Actors()

	for id, actor := range dump.Actors {
		key := fmt.Sprintf("%s:%d", id.Kind, id.RegistryID)

		if err := actors.Put(key, actor); err != nil {
			_ = l.Fail(fqKey, err.Error())

			return err
		}
	}

	if err := l.Complete(fqKey); err != nil {
		return err
	}

	log.Info("db dump ingestion complete", "actors", len(dump.Actors))
	fmt.Fprintf(cmd.OutOrStdout(), "ingested %d actor(s) from db dump\n", len(dump.Actors))

	return nil
}

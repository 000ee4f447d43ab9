// storectl-dump is an offline tool for inspecting a logkv environment's
// raw log contents: it reads segment files directly through pkg/logfile
// and pkg/record, without opening a live Environment or replaying
// recovery, so it can be pointed at a directory another process still
// has open.
package main

import (
	"flag"
	"fmt"
	"log"
	"strconv"
	"strings"

	"github.com/cuemby/logkv/pkg/logfile"
	"github.com/cuemby/logkv/pkg/lsn"
	"github.com/cuemby/logkv/pkg/record"
)

var (
	dataDir   = flag.String("dir", "", "Environment directory (required)")
	fromFlag  = flag.String("from", "", "LSN to start at, as FILENUM/OFFSET (default: the start of the log)")
	typeFlag  = flag.String("type", "", "Only print records of this type (e.g. LN, IN, TxnCommit)")
	limitFlag = flag.Int("limit", 0, "Stop after this many records (0 means no limit)")
	reverse   = flag.Bool("reverse", false, "Walk backward from --from (requires --from)")
)

func main() {
	flag.Parse()

	log.SetFlags(0)
	if *dataDir == "" {
		log.Fatal("-dir is required")
	}

	if *reverse && *fromFlag == "" {
		log.Fatal("-reverse requires -from (reverse iteration has no implicit starting point)")
	}
	from, err := parseLSN(*fromFlag)
	if err != nil {
		log.Fatalf("invalid -from: %v", err)
	}

	mgr, err := logfile.Open(*dataDir, logfile.Config{}, true, false)
	if err != nil {
		log.Fatalf("failed to open log: %v", err)
	}
	defer mgr.Close()

	fmt.Printf("Current log file: %d\n\n", mgr.CurrentFileNum())

	count := 0
	visit := func(e logfile.Entry) (bool, error) {
		if *typeFlag != "" && !strings.EqualFold(e.Record.Header.Type.String(), *typeFlag) {
			return true, nil
		}
		printEntry(e)
		count++
		if *limitFlag > 0 && count >= *limitFlag {
			return false, nil
		}
		return true, nil
	}

	if *reverse {
		err = mgr.ReverseIterate(from, visit)
	} else {
		err = mgr.Iterate(from, visit)
	}
	if err != nil {
		log.Fatalf("iteration failed: %v", err)
	}

	fmt.Printf("\n%d record(s) printed\n", count)
}

func parseLSN(s string) (lsn.LSN, error) {
	if s == "" {
		return lsn.Null, nil
	}
	parts := strings.SplitN(s, "/", 2)
	if len(parts) != 2 {
		return lsn.Null, fmt.Errorf("expected FILENUM/OFFSET, got %q", s)
	}
	fileNum, err := strconv.ParseUint(parts[0], 10, 64)
	if err != nil {
		return lsn.Null, err
	}
	offset, err := strconv.ParseUint(parts[1], 10, 64)
	if err != nil {
		return lsn.Null, err
	}
	return lsn.LSN{FileNum: fileNum, Offset: offset}, nil
}

func printEntry(e logfile.Entry) {
	h := e.Record.Header
	fmt.Printf("%s  type=%-15s entryID=%-8d txnID=%-8d len=%-6d provisional=%t",
		e.LSN, h.Type, h.EntryID, h.TxnID, h.Length, h.Provisional)

	switch h.Type {
	case record.TypeCheckpointEnd:
		if c, err := record.DecodeCheckpointEnd(e.Record.Payload); err == nil {
			fmt.Printf("  invoker=%q hasRoot=%t rootLSN=%s firstActive=%s lastTxnID=%d",
				c.Invoker, c.HasRoot, c.RootLSN, c.FirstActiveLSN, c.LastTxnID)
		}
	case record.TypeFileSummaryLN:
		if fs, err := record.DecodeFileSummary(e.Record.Payload); err == nil {
			fmt.Printf("  file=%d totalCount=%d totalSize=%d obsoleteLN=%d",
				fs.FileNum, fs.TotalCount, fs.TotalSize, fs.ObsoleteLNCount)
		}
	}
	fmt.Println()
}

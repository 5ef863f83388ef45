package main

import (
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"unicode"
	"unicode/utf8"

	"github.com/gostonefire/filetdb"
	"github.com/olekukonko/tablewriter"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	createCmd = &cobra.Command{
		Use:   "create [file]",
		Short: "Creates an empty database, wiping it if nobody else has it open",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			db, err := openDB(args[0], filetdb.ClearIfFirst)
			if err != nil {
				return
			}
			defer closeDB(db)

			stat, err := db.Stat(false)
			if err != nil {
				return
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %d buckets, %d records\n", args[0], stat.HashSize, stat.Records)

			return
		},
	}

	storeCmd = &cobra.Command{
		Use:   "store [file] [key] [value]",
		Short: "Stores a value under a key",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			mode, err := parseMode(viper.GetString("mode"))
			if err != nil {
				return
			}
			key, value, err := decodeKeyValue(args[1], args[2])
			if err != nil {
				return
			}

			db, err := openDB(args[0], 0)
			if err != nil {
				return
			}
			defer closeDB(db)

			return db.Store(key, value, mode)
		},
	}

	fetchCmd = &cobra.Command{
		Use:   "fetch [file] [key]",
		Short: "Prints the value stored under a key",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			key, err := decode(args[1])
			if err != nil {
				return
			}

			db, err := openDB(args[0], filetdb.ReadOnly)
			if err != nil {
				return
			}
			defer closeDB(db)

			value, err := db.Fetch(key)
			if err != nil {
				return
			}
			fmt.Fprintln(cmd.OutOrStdout(), encode(value))

			return
		},
	}

	deleteCmd = &cobra.Command{
		Use:   "delete [file] [key]",
		Short: "Deletes a key",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			key, err := decode(args[1])
			if err != nil {
				return
			}

			db, err := openDB(args[0], 0)
			if err != nil {
				return
			}
			defer closeDB(db)

			return db.Delete(key)
		},
	}

	appendCmd = &cobra.Command{
		Use:   "append [file] [key] [value]",
		Short: "Appends to the value stored under a key, storing it if missing",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			key, value, err := decodeKeyValue(args[1], args[2])
			if err != nil {
				return
			}

			db, err := openDB(args[0], 0)
			if err != nil {
				return
			}
			defer closeDB(db)

			return db.Append(key, value)
		},
	}

	listCmd = &cobra.Command{
		Use:   "list [file]",
		Short: "Lists every key and value",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			db, err := openDB(args[0], filetdb.ReadOnly)
			if err != nil {
				return
			}
			defer closeDB(db)

			tw := newTable(cmd.OutOrStdout(), "Key", "Value")
			count, err := db.Traverse(func(key, value []byte) error {
				tw.Append([]string{encode(key), encode(value)})
				return nil
			})
			if err != nil {
				return
			}
			tw.SetFooter([]string{"records", strconv.FormatInt(count, 10)})
			tw.Render()

			return
		},
	}

	infoCmd = &cobra.Command{
		Use:   "info [file]",
		Short: "Prints usage figures of a database",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			db, err := openDB(args[0], filetdb.ReadOnly)
			if err != nil {
				return
			}
			defer closeDB(db)

			stat, err := db.Stat(false)
			if err != nil {
				return
			}

			tw := newTable(cmd.OutOrStdout(), "Figure", "Value")
			tw.AppendBulk([][]string{
				{"hash size", strconv.FormatInt(stat.HashSize, 10)},
				{"sequence", strconv.FormatUint(stat.Sequence, 10)},
				{"file size", strconv.FormatInt(stat.FileSize, 10)},
				{"data end", strconv.FormatInt(stat.DataEnd, 10)},
				{"records", strconv.FormatInt(stat.Records, 10)},
				{"live bytes", strconv.FormatInt(stat.LiveBytes, 10)},
				{"free blocks", strconv.FormatInt(stat.FreeBlocks, 10)},
				{"free bytes", strconv.FormatInt(stat.FreeBytes, 10)},
				{"empty buckets", strconv.FormatInt(stat.EmptyBuckets, 10)},
				{"longest chain", strconv.FormatInt(stat.LongestChain, 10)},
			})
			tw.Render()

			return
		},
	}

	checkCmd = &cobra.Command{
		Use:   "check [file]",
		Short: "Verifies every block, chain and free list of a database",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			db, err := openDB(args[0], filetdb.ReadOnly)
			if err != nil {
				return
			}
			defer closeDB(db)

			report, err := db.Check()
			if report == nil {
				return
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%d blocks: %d records, %d free\n", report.Blocks, report.Records, report.FreeBlocks)
			if len(report.Problems) > 0 {
				tw := newTable(out, "#", "Problem")
				for i, p := range report.Problems {
					tw.Append([]string{strconv.Itoa(i + 1), p})
				}
				tw.Render()
			}

			return
		},
	}

	repackCmd = &cobra.Command{
		Use:   "repack [file]",
		Short: "Rewrites all records without free space between them and shrinks the file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			db, err := openDB(args[0], 0)
			if err != nil {
				return
			}
			defer closeDB(db)

			return db.Repack()
		},
	}

	wipeCmd = &cobra.Command{
		Use:   "wipe [file]",
		Short: "Deletes every record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			db, err := openDB(args[0], 0)
			if err != nil {
				return
			}
			defer closeDB(db)

			return db.Wipe()
		},
	}

	batchCmd = &cobra.Command{
		Use:   "batch [file] [operations file]",
		Short: "Applies a file of operations in one transaction, - reads standard input",
		Long: `Applies a file of operations in one transaction. Each line is one of

  insert KEY VALUE
  replace KEY VALUE
  modify KEY VALUE
  append KEY VALUE
  delete KEY

Blank lines and lines starting with # are skipped. VALUE is the rest of the line.
If any operation fails nothing is applied.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			var r io.Reader = cmd.InOrStdin()
			if args[1] != "-" {
				var f *os.File
				f, err = os.Open(args[1])
				if err != nil {
					return
				}
				defer func(f *os.File) { _ = f.Close() }(f)
				r = f
			}

			ops, err := parseBatch(r, viper.GetBool("hex"))
			if err != nil {
				return
			}

			db, err := openDB(args[0], 0)
			if err != nil {
				return
			}
			defer closeDB(db)

			err = applyBatch(db, ops)
			if err != nil {
				return
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d operations applied\n", len(ops))

			return
		},
	}

	statsCmd = &cobra.Command{
		Use:   "stats [file]",
		Short: "Prints the chain length distribution and the engine metrics",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			db, err := openDB(args[0], filetdb.ReadOnly)
			if err != nil {
				return
			}
			defer closeDB(db)

			stat, err := db.Stat(true)
			if err != nil {
				return
			}

			lengths := make([]int64, 0, len(stat.ChainDistribution))
			for l := range stat.ChainDistribution {
				lengths = append(lengths, l)
			}
			sort.Slice(lengths, func(i, j int) bool { return lengths[i] < lengths[j] })

			out := cmd.OutOrStdout()
			tw := newTable(out, "Chain length", "Buckets")
			for _, l := range lengths {
				tw.Append([]string{strconv.FormatInt(l, 10), strconv.FormatInt(stat.ChainDistribution[l], 10)})
			}
			tw.Render()

			tw = newTable(out, "Size class", "Free blocks")
			for class, n := range stat.FreeByClass {
				if n > 0 {
					tw.Append([]string{strconv.Itoa(class), strconv.FormatInt(n, 10)})
				}
			}
			tw.Render()

			if !viper.GetBool("metrics") {
				filetdb.WriteMetrics(out)
			}

			return
		},
	}
)

func init() {
	storeCmd.Flags().String("mode", "replace", "insert, replace or modify")
}

// openDB - Opens path with the configuration taken from flags and environment
func openDB(path string, flags filetdb.Flags) (db *filetdb.DB, err error) {
	conf := filetdb.DefaultConfig()
	conf.Logger = log.StandardLogger()
	if hs := viper.GetInt64("hash-size"); hs > 0 {
		conf.HashSize = hs
	}
	if viper.GetBool("no-mmap") {
		flags |= filetdb.NoMmap
	}
	if viper.GetBool("no-lock-wait") {
		flags |= filetdb.NoLockWait
	}
	conf.Flags = flags
	if flags&filetdb.ReadOnly != 0 {
		conf.OpenFlag = os.O_RDONLY
	}

	return filetdb.Open(path, conf)
}

func closeDB(db *filetdb.DB) {
	if err := db.Close(); err != nil {
		log.WithError(err).Error("close failed")
	}
}

func newTable(w io.Writer, header ...string) *tablewriter.Table {
	tw := tablewriter.NewWriter(w)
	tw.SetAutoFormatHeaders(false)
	tw.SetHeader(header)

	return tw
}

// parseMode - Converts the --mode flag
func parseMode(s string) (mode filetdb.StoreMode, err error) {
	switch s {
	case "insert":
		mode = filetdb.Insert
	case "replace":
		mode = filetdb.Replace
	case "modify":
		mode = filetdb.Modify
	default:
		err = fmt.Errorf("unknown mode %q, expected insert, replace or modify", s)
	}

	return
}

func decodeKeyValue(k, v string) (key, value []byte, err error) {
	key, err = decode(k)
	if err != nil {
		return
	}
	value, err = decode(v)

	return
}

// decode - Returns the bytes of a command line argument, hex decoded when --hex is set
func decode(s string) ([]byte, error) {
	return decodeArg(s, viper.GetBool("hex"))
}

func decodeArg(s string, isHex bool) (b []byte, err error) {
	if !isHex {
		b = []byte(s)
		return
	}
	b, err = hex.DecodeString(s)
	if err != nil {
		err = fmt.Errorf("bad hex argument %q: %w", s, err)
	}

	return
}

// encode - Formats bytes for output, hex when --hex is set or the bytes are not printable text
func encode(b []byte) string {
	return encodeBytes(b, viper.GetBool("hex"))
}

func encodeBytes(b []byte, isHex bool) string {
	if isHex {
		return hex.EncodeToString(b)
	}
	if !utf8.Valid(b) {
		return "0x" + hex.EncodeToString(b)
	}
	for _, r := range string(b) {
		if !unicode.IsPrint(r) {
			return "0x" + hex.EncodeToString(b)
		}
	}

	return string(b)
}

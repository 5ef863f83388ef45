package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/gostonefire/filetdb"
	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

var (
	rootCmd = &cobra.Command{
		Use:   "tdbtool",
		Short: "Inspect and modify filetdb database files",
		Long: `tdbtool works on filetdb database files directly. It takes the same locks as
any other program using the file, so it is safe to run while they are.

Every flag can also be set through the environment with the FILETDB_ prefix,
for example FILETDB_LOG_LEVEL=debug. .env and .env.local are read if present.`,
		SilenceUsage:      true,
		PersistentPreRunE: rootPreRun,
	}

	logWriter io.WriteCloser
)

func init() {
	log.SetFormatter(&log.TextFormatter{
		DisableLevelTruncation: true,
	})

	cobra.OnInitialize(initConfig)

	fs := rootCmd.PersistentFlags()
	fs.String("log-file", "", "`file` to log to, standard error if empty")
	fs.String("log-level", "warn", "log level: trace, debug, info, warn, error, fatal, or panic")
	fs.Int64("hash-size", 0, "number of hash buckets of a created database, 0 for the default")
	fs.Bool("no-mmap", false, "use reads and writes instead of a memory mapping")
	fs.Bool("no-lock-wait", false, "fail instead of waiting for locks held by others")
	fs.Bool("hex", false, "keys and values on the command line and in output are hex encoded")
	fs.Bool("metrics", false, "write engine metrics in Prometheus format to standard output when done")

	rootCmd.AddCommand(createCmd, storeCmd, fetchCmd, deleteCmd, appendCmd, listCmd,
		infoCmd, checkCmd, repackCmd, wipeCmd, batchCmd, statsCmd)
}

// initConfig - Loads env files and lets FILETDB_ variables override flag defaults
func initConfig() {
	_ = godotenv.Load(".env")
	_ = godotenv.Load(".env.local")

	viper.SetEnvPrefix("filetdb")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func rootPreRun(cmd *cobra.Command, args []string) (err error) {
	err = bindFlags(cmd.Flags())
	if err != nil {
		return
	}

	if logFile := viper.GetString("log-file"); logFile != "" {
		logWriter, err = os.OpenFile(logFile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0666)
		if err != nil {
			logWriter = nil
			return fmt.Errorf("tdbtool: %w", err)
		}
		log.SetOutput(logWriter)
	}

	ll, err := log.ParseLevel(viper.GetString("log-level"))
	if err != nil {
		return fmt.Errorf("tdbtool: %w", err)
	}
	log.SetLevel(ll)

	log.WithFields(log.Fields{"pid": os.Getpid(), "command": cmd.Name()}).Debug("tdbtool starting")

	return
}

// finish - Writes the metrics if asked for and closes the log file. Runs whether the command
// failed or not, cobra skips post-run hooks when RunE returns an error.
func finish(out io.Writer) {
	if viper.GetBool("metrics") {
		filetdb.WriteMetrics(out)
	}

	log.WithField("pid", os.Getpid()).Debug("tdbtool done")

	if logWriter != nil {
		log.SetOutput(os.Stderr)
		_ = logWriter.Close()
		logWriter = nil
	}
}

// bindFlags - Binds every flag of the command, persistent ones included, to viper
func bindFlags(fs *pflag.FlagSet) error {
	return viper.BindPFlags(fs)
}

// run - Executes the command line args and cleans up after it
func run(args []string) (err error) {
	rootCmd.SetArgs(args)
	err = rootCmd.Execute()
	finish(rootCmd.OutOrStdout())

	return
}

func main() {
	if err := run(os.Args[1:]); err != nil {
		os.Exit(1)
	}
}

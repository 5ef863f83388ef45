//go:build integration

package filetdb

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/gostonefire/filetdb/dberr"
	"github.com/gostonefire/filetdb/hashfunc"
	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testConfig - Returns a config logging to a hook instead of standard error
func testConfig(flags Flags) (conf Config, hook *logtest.Hook) {
	logger, hook := logtest.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)

	conf = DefaultConfig()
	conf.HashSize = 64
	conf.Flags = flags
	conf.Logger = logger

	return
}

// openDB - Opens path and closes it when the test ends
func openDB(t *testing.T, path string, conf Config) *DB {
	db, err := Open(path, conf)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	return db
}

// hasEntry - Returns true if a log entry with the message at the level was written
func hasEntry(hook *logtest.Hook, level logrus.Level, msg string) bool {
	for _, e := range hook.AllEntries() {
		if e.Level == level && e.Message == msg {
			return true
		}
	}

	return false
}

func TestOpen(t *testing.T) {
	t.Run("creates a new database", func(t *testing.T) {
		// Prepare
		path := filepath.Join(t.TempDir(), "test.tdb")
		conf, _ := testConfig(0)

		// Execute
		db, err := Open(path, conf)

		// Check
		require.NoError(t, err)
		stat, err := db.Stat(false)
		assert.NoError(t, err)
		assert.Equal(t, int64(64), stat.HashSize)
		assert.Equal(t, int64(0), stat.Records)
		assert.Equal(t, path, db.Path())

		// Clean up
		assert.NoError(t, db.Close())
	})

	t.Run("reopens an existing database", func(t *testing.T) {
		// Prepare
		path := filepath.Join(t.TempDir(), "test.tdb")
		conf, _ := testConfig(0)
		db, err := Open(path, conf)
		require.NoError(t, err)
		require.NoError(t, db.Store([]byte("key"), []byte("value"), Insert))
		require.NoError(t, db.Close())

		// Execute
		conf.HashSize = 4096
		db = openDB(t, path, conf)
		value, err := db.Fetch([]byte("key"))

		// Check
		assert.NoError(t, err)
		assert.Equal(t, []byte("value"), value)
		stat, _ := db.Stat(false)
		assert.Equal(t, int64(64), stat.HashSize, "hash size of existing database kept")
	})

	t.Run("refuses a file that is not a database", func(t *testing.T) {
		// Prepare
		path := filepath.Join(t.TempDir(), "garbage")
		require.NoError(t, os.WriteFile(path, bytes.Repeat([]byte("not a database "), 64), 0600))
		conf, _ := testConfig(0)

		// Execute
		_, err := Open(path, conf)

		// Check
		assert.True(t, errors.Is(err, dberr.FormatError{}))
	})

	t.Run("refuses another hash function", func(t *testing.T) {
		// Prepare
		path := filepath.Join(t.TempDir(), "test.tdb")
		conf, _ := testConfig(0)
		db, err := Open(path, conf)
		require.NoError(t, err)
		require.NoError(t, db.Close())

		// Execute
		conf.HashFunc = hashfunc.CRC32{}
		_, err = Open(path, conf)

		// Check
		assert.True(t, errors.Is(err, dberr.FormatError{}))
	})

	t.Run("custom hash function works when given again", func(t *testing.T) {
		// Prepare
		path := filepath.Join(t.TempDir(), "test.tdb")
		conf, _ := testConfig(0)
		conf.HashFunc = hashfunc.CRC32{}
		db, err := Open(path, conf)
		require.NoError(t, err)
		require.NoError(t, db.Store([]byte("k"), []byte("v"), Insert))
		require.NoError(t, db.Close())

		// Execute
		db = openDB(t, path, conf)
		value, err := db.Fetch([]byte("k"))

		// Check
		assert.NoError(t, err)
		assert.Equal(t, []byte("v"), value)
	})

	t.Run("empty path is refused", func(t *testing.T) {
		_, err := Open("", DefaultConfig())
		assert.True(t, errors.Is(err, dberr.InvalidArgument{}))
	})

	t.Run("read only open of an empty file fails", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "empty")
		require.NoError(t, os.WriteFile(path, nil, 0600))
		conf, _ := testConfig(ReadOnly)
		_, err := Open(path, conf)
		assert.True(t, errors.Is(err, dberr.FormatError{}))
	})
}

func TestOpen_ClearIfFirst(t *testing.T) {
	t.Run("only the first opener clears", func(t *testing.T) {
		// Prepare
		path := filepath.Join(t.TempDir(), "test.tdb")
		conf, hook := testConfig(0)
		db, err := Open(path, conf)
		require.NoError(t, err)
		require.NoError(t, db.Store([]byte("stale"), []byte("x"), Insert))
		require.NoError(t, db.Close())
		clearConf, _ := testConfig(ClearIfFirst)

		// Execute
		first := openDB(t, path, clearConf)
		_, errFirst := first.Fetch([]byte("stale"))
		require.NoError(t, first.Store([]byte("fresh"), []byte("y"), Insert))
		second := openDB(t, path, clearConf)
		valueSecond, errSecond := second.Fetch([]byte("fresh"))

		// Check
		assert.True(t, errors.Is(errFirst, dberr.NotFound{}), "first opener wiped the file")
		assert.NoError(t, errSecond, "second opener did not wipe")
		assert.Equal(t, []byte("y"), valueSecond)
		assert.False(t, hasEntry(hook, logrus.InfoLevel, "first opener, database cleared"), "plain open does not clear")

		// Clean up
		require.NoError(t, first.Close())
		require.NoError(t, second.Close())
		third := openDB(t, path, clearConf)
		_, err = third.Fetch([]byte("fresh"))
		assert.True(t, errors.Is(err, dberr.NotFound{}), "cleared again once everyone closed")
	})

	t.Run("O_TRUNC clears only if first", func(t *testing.T) {
		// Prepare
		path := filepath.Join(t.TempDir(), "test.tdb")
		conf, _ := testConfig(0)
		keeper := openDB(t, path, conf)
		require.NoError(t, keeper.Store([]byte("k"), []byte("v"), Insert))
		truncConf, hook := testConfig(0)
		truncConf.OpenFlag = os.O_RDWR | os.O_CREATE | os.O_TRUNC

		// Execute
		db := openDB(t, path, truncConf)
		value, err := db.Fetch([]byte("k"))

		// Check
		assert.NoError(t, err, "not truncated while another handle is open")
		assert.Equal(t, []byte("v"), value)
		assert.False(t, hasEntry(hook, logrus.InfoLevel, "first opener, database cleared"))
	})

	t.Run("clearing is logged", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "test.tdb")
		conf, hook := testConfig(ClearIfFirst)
		_ = openDB(t, path, conf)
		assert.True(t, hasEntry(hook, logrus.InfoLevel, "first opener, database cleared"))
	})
}

func TestOpen_ReadOnly(t *testing.T) {
	t.Run("reads work and writes are refused", func(t *testing.T) {
		// Prepare
		path := filepath.Join(t.TempDir(), "test.tdb")
		conf, _ := testConfig(0)
		db, err := Open(path, conf)
		require.NoError(t, err)
		require.NoError(t, db.Store([]byte("k"), []byte("v"), Insert))
		require.NoError(t, db.Close())
		roConf, _ := testConfig(ReadOnly)

		// Execute
		ro := openDB(t, path, roConf)
		value, errFetch := ro.Fetch([]byte("k"))
		errStore := ro.Store([]byte("k"), []byte("w"), Replace)
		errDelete := ro.Delete([]byte("k"))
		errTxn := ro.TransactionStart()
		_, errCheck := ro.Check()

		// Check
		assert.NoError(t, errFetch)
		assert.Equal(t, []byte("v"), value)
		assert.True(t, errors.Is(errStore, dberr.ReadOnly{}))
		assert.True(t, errors.Is(errDelete, dberr.ReadOnly{}))
		assert.True(t, errors.Is(errTxn, dberr.ReadOnly{}))
		assert.NoError(t, errCheck)
	})
}

func TestDB_Close(t *testing.T) {
	t.Run("second close is harmless and calls after close fail", func(t *testing.T) {
		// Prepare
		path := filepath.Join(t.TempDir(), "test.tdb")
		conf, _ := testConfig(0)
		db, err := Open(path, conf)
		require.NoError(t, err)

		// Execute
		errFirst := db.Close()
		errSecond := db.Close()
		_, errFetch := db.Fetch([]byte("k"))

		// Check
		assert.NoError(t, errFirst)
		assert.NoError(t, errSecond)
		assert.True(t, errors.Is(errFetch, dberr.InvalidArgument{}))
	})

	t.Run("close cancels an active transaction", func(t *testing.T) {
		// Prepare
		path := filepath.Join(t.TempDir(), "test.tdb")
		conf, _ := testConfig(0)
		db, err := Open(path, conf)
		require.NoError(t, err)
		require.NoError(t, db.TransactionStart())
		require.NoError(t, db.Store([]byte("k"), []byte("v"), Insert))

		// Execute
		require.NoError(t, db.Close())
		db = openDB(t, path, conf)
		_, err = db.Fetch([]byte("k"))

		// Check
		assert.True(t, errors.Is(err, dberr.NotFound{}))
	})
}

//go:build integration

package filetdb

import (
	"bytes"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"testing"

	"github.com/gostonefire/filetdb/dberr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// accessModes - Runs the operation tests with and without a memory mapping
var accessModes = []struct {
	name  string
	flags Flags
}{
	{name: "mmap", flags: 0},
	{name: "pread", flags: NoMmap},
}

func TestDB_StoreFetch(t *testing.T) {
	for _, am := range accessModes {
		t.Run(am.name, func(t *testing.T) {
			t.Run("round trip", func(t *testing.T) {
				// Prepare
				conf, _ := testConfig(am.flags)
				db := openDB(t, filepath.Join(t.TempDir(), "test.tdb"), conf)
				big := bytes.Repeat([]byte{0xa5}, 1<<20)
				cases := map[string][]byte{
					"":          []byte("empty key"),
					"empty":     {},
					"short":     []byte("v"),
					"big value": big,
				}

				// Execute
				for k, v := range cases {
					require.NoError(t, db.Store([]byte(k), v, Insert))
				}

				// Check
				for k, v := range cases {
					value, err := db.Fetch([]byte(k))
					assert.NoError(t, err, k)
					assert.Equal(t, v, value, k)
					assert.NotNil(t, value, k)
				}
			})

			t.Run("store modes", func(t *testing.T) {
				// Prepare
				conf, _ := testConfig(am.flags)
				db := openDB(t, filepath.Join(t.TempDir(), "test.tdb"), conf)
				key := []byte("key")

				// Execute
				errModifyMissing := db.Store(key, []byte("a"), Modify)
				errInsert := db.Store(key, []byte("b"), Insert)
				errInsertAgain := db.Store(key, []byte("c"), Insert)
				afterInsert, _ := db.Fetch(key)
				errModify := db.Store(key, []byte("d"), Modify)
				afterModify, _ := db.Fetch(key)
				errReplace := db.Store(key, []byte("a much longer value that does not fit the old block"), Replace)
				afterReplace, _ := db.Fetch(key)
				errBadMode := db.Store(key, []byte("x"), StoreMode(42))

				// Check
				assert.True(t, errors.Is(errModifyMissing, dberr.NotFound{}))
				assert.NoError(t, errInsert)
				assert.True(t, errors.Is(errInsertAgain, dberr.KeyExists{}))
				assert.Equal(t, []byte("b"), afterInsert)
				assert.NoError(t, errModify)
				assert.Equal(t, []byte("d"), afterModify)
				assert.NoError(t, errReplace)
				assert.Equal(t, []byte("a much longer value that does not fit the old block"), afterReplace)
				assert.True(t, errors.Is(errBadMode, dberr.InvalidArgument{}))
			})

			t.Run("many keys", func(t *testing.T) {
				// Prepare
				conf, _ := testConfig(am.flags)
				db := openDB(t, filepath.Join(t.TempDir(), "test.tdb"), conf)

				// Execute
				for i := 0; i < 1000; i++ {
					require.NoError(t, db.Store([]byte(fmt.Sprintf("key-%d", i)), []byte(fmt.Sprintf("value-%d", i)), Insert))
				}

				// Check
				for i := 0; i < 1000; i++ {
					value, err := db.Fetch([]byte(fmt.Sprintf("key-%d", i)))
					require.NoError(t, err)
					assert.Equal(t, []byte(fmt.Sprintf("value-%d", i)), value)
				}
				report, err := db.Check()
				assert.NoError(t, err)
				assert.Equal(t, int64(1000), report.Records)
			})
		})
	}
}

func TestDB_Delete(t *testing.T) {
	for _, am := range accessModes {
		t.Run(am.name, func(t *testing.T) {
			// Prepare
			conf, _ := testConfig(am.flags)
			db := openDB(t, filepath.Join(t.TempDir(), "test.tdb"), conf)
			require.NoError(t, db.Store([]byte("a"), []byte("1"), Insert))
			require.NoError(t, db.Store([]byte("b"), []byte("2"), Insert))
			seqBefore, err := db.SequenceNumber()
			require.NoError(t, err)

			// Execute
			errFirst := db.Delete([]byte("a"))
			seqAfterFirst, _ := db.SequenceNumber()
			errSecond := db.Delete([]byte("a"))
			seqAfterSecond, _ := db.SequenceNumber()
			existsA, errA := db.Exists([]byte("a"))
			existsB, errB := db.Exists([]byte("b"))

			// Check
			assert.NoError(t, errFirst)
			assert.True(t, errors.Is(errSecond, dberr.NotFound{}))
			assert.Greater(t, seqAfterFirst, seqBefore)
			assert.Equal(t, seqAfterFirst, seqAfterSecond, "failed delete changes nothing")
			assert.NoError(t, errA)
			assert.False(t, existsA)
			assert.NoError(t, errB)
			assert.True(t, existsB)
		})
	}
}

func TestDB_Append(t *testing.T) {
	// Prepare
	conf, _ := testConfig(0)
	db := openDB(t, filepath.Join(t.TempDir(), "test.tdb"), conf)

	// Execute
	errMissing := db.Append([]byte("log"), []byte("one"))
	errExisting := db.Append([]byte("log"), []byte(",two"))
	errEmpty := db.Append([]byte("log"), nil)
	value, err := db.Fetch([]byte("log"))

	// Check
	assert.NoError(t, errMissing)
	assert.NoError(t, errExisting)
	assert.NoError(t, errEmpty)
	assert.NoError(t, err)
	assert.Equal(t, []byte("one,two"), value)
}

func TestDB_FreeSpaceReuse(t *testing.T) {
	for _, am := range accessModes {
		t.Run(am.name, func(t *testing.T) {
			// Prepare
			conf, _ := testConfig(am.flags)
			db := openDB(t, filepath.Join(t.TempDir(), "test.tdb"), conf)
			value := bytes.Repeat([]byte("x"), 200)
			require.NoError(t, db.Store([]byte("first"), value, Insert))
			require.NoError(t, db.Store([]byte("second"), value, Insert))
			before, err := db.Stat(false)
			require.NoError(t, err)

			// Execute
			require.NoError(t, db.Delete([]byte("first")))
			freed, err := db.Stat(false)
			require.NoError(t, err)
			require.NoError(t, db.Store([]byte("third"), value, Insert))
			after, err := db.Stat(false)
			require.NoError(t, err)

			// Check
			assert.Equal(t, int64(1), freed.FreeBlocks)
			assert.Equal(t, before.DataEnd, after.DataEnd, "freed block was reused")
			assert.Equal(t, before.FileSize, after.FileSize)
			assert.Equal(t, int64(0), after.FreeBlocks)
			assert.Equal(t, int64(2), after.Records)
		})
	}
}

func TestDB_TwoHandles(t *testing.T) {
	t.Run("handles see each other's writes", func(t *testing.T) {
		// Prepare
		path := filepath.Join(t.TempDir(), "test.tdb")
		conf, _ := testConfig(0)
		a := openDB(t, path, conf)
		b := openDB(t, path, conf)

		// Execute
		require.NoError(t, a.Store([]byte("from a"), []byte("1"), Insert))
		require.NoError(t, b.Store([]byte("from b"), bytes.Repeat([]byte("2"), 100000), Insert))
		valueB, errB := a.Fetch([]byte("from b"))
		valueA, errA := b.Fetch([]byte("from a"))
		seqA, _ := a.SequenceNumber()
		seqB, _ := b.SequenceNumber()

		// Check
		assert.NoError(t, errA)
		assert.Equal(t, []byte("1"), valueA)
		assert.NoError(t, errB)
		assert.Len(t, valueB, 100000)
		assert.Equal(t, seqA, seqB)
	})

	t.Run("writers do not wait with NoLockWait", func(t *testing.T) {
		// Prepare
		path := filepath.Join(t.TempDir(), "test.tdb")
		conf, _ := testConfig(0)
		a := openDB(t, path, conf)
		require.NoError(t, a.Store([]byte("k"), []byte("old"), Insert))
		noWait, _ := testConfig(NoLockWait)
		b := openDB(t, path, noWait)
		require.NoError(t, a.TransactionStart())
		require.NoError(t, a.Store([]byte("k"), []byte("new"), Replace))

		// Execute
		errStore := b.Store([]byte("other"), []byte("x"), Insert)
		errTxn := b.TransactionStart()
		value, errFetch := b.Fetch([]byte("k"))

		// Check
		assert.True(t, errors.Is(errStore, dberr.WouldBlock{}))
		assert.True(t, errors.Is(errTxn, dberr.WouldBlock{}))
		assert.NoError(t, errFetch, "readers are not blocked by an open transaction")
		assert.Equal(t, []byte("old"), value)

		// Clean up
		require.NoError(t, a.TransactionCommit())
		value, err := b.Fetch([]byte("k"))
		assert.NoError(t, err)
		assert.Equal(t, []byte("new"), value)
	})

	t.Run("writes after a repack by the other handle", func(t *testing.T) {
		for _, am := range accessModes {
			t.Run(am.name, func(t *testing.T) {
				// Prepare
				path := filepath.Join(t.TempDir(), "test.tdb")
				conf, _ := testConfig(am.flags)
				a := openDB(t, path, conf)
				for i := 0; i < 400; i++ {
					require.NoError(t, a.Store([]byte(fmt.Sprintf("key%d", i)), bytes.Repeat([]byte{byte(i)}, 1000), Insert))
				}
				b := openDB(t, path, conf)
				_, err := b.Fetch([]byte("key399"))
				require.NoError(t, err)
				before, err := b.Stat(false)
				require.NoError(t, err)
				for i := 0; i < 400; i++ {
					require.NoError(t, a.Delete([]byte(fmt.Sprintf("key%d", i))))
				}
				require.NoError(t, a.Repack())

				// Execute
				errStore := b.Store([]byte("new"), bytes.Repeat([]byte("n"), 5000), Insert)
				errStart := b.TransactionStart()
				errTxnStore := b.Store([]byte("txn"), bytes.Repeat([]byte("t"), 5000), Insert)
				errCommit := b.TransactionCommit()

				// Check
				assert.NoError(t, errStore)
				assert.NoError(t, errStart)
				assert.NoError(t, errTxnStore)
				assert.NoError(t, errCommit)
				after, err := b.Stat(false)
				assert.NoError(t, err)
				assert.Less(t, after.FileSize, before.FileSize, "file shrunk by the repack")
				for _, db := range []*DB{a, b} {
					value, err := db.Fetch([]byte("new"))
					assert.NoError(t, err)
					assert.Len(t, value, 5000)
					value, err = db.Fetch([]byte("txn"))
					assert.NoError(t, err)
					assert.Len(t, value, 5000)
					_, err = db.Fetch([]byte("key0"))
					assert.True(t, errors.Is(err, dberr.NotFound{}))
				}
				report, err := a.Check()
				assert.NoError(t, err)
				assert.Empty(t, report.Problems)
			})
		}
	})
}

func TestDB_Traverse(t *testing.T) {
	t.Run("visits every record once", func(t *testing.T) {
		// Prepare
		conf, _ := testConfig(0)
		db := openDB(t, filepath.Join(t.TempDir(), "test.tdb"), conf)
		var want []string
		for i := 0; i < 300; i++ {
			k := fmt.Sprintf("key-%03d", i)
			want = append(want, k)
			require.NoError(t, db.Store([]byte(k), []byte(k), Insert))
		}

		// Execute
		var got []string
		count, err := db.Traverse(func(key, value []byte) error {
			assert.Equal(t, key, value)
			got = append(got, string(key))
			return nil
		})

		// Check
		assert.NoError(t, err)
		assert.Equal(t, int64(300), count)
		sort.Strings(got)
		assert.Equal(t, want, got)
	})

	t.Run("stop ends early without error", func(t *testing.T) {
		// Prepare
		conf, _ := testConfig(0)
		db := openDB(t, filepath.Join(t.TempDir(), "test.tdb"), conf)
		for i := 0; i < 10; i++ {
			require.NoError(t, db.Store([]byte(fmt.Sprintf("k%d", i)), nil, Insert))
		}

		// Execute
		count, err := db.Traverse(func(key, value []byte) error {
			return StopTraverse{}
		})

		// Check
		assert.NoError(t, err)
		assert.Equal(t, int64(1), count)
	})

	t.Run("other errors are returned", func(t *testing.T) {
		// Prepare
		conf, _ := testConfig(0)
		db := openDB(t, filepath.Join(t.TempDir(), "test.tdb"), conf)
		require.NoError(t, db.Store([]byte("k"), nil, Insert))
		boom := errors.New("boom")

		// Execute
		_, err := db.Traverse(func(key, value []byte) error {
			return boom
		})

		// Check
		assert.ErrorIs(t, err, boom)
	})

	t.Run("records can be deleted while traversing", func(t *testing.T) {
		// Prepare
		conf, _ := testConfig(0)
		db := openDB(t, filepath.Join(t.TempDir(), "test.tdb"), conf)
		for i := 0; i < 100; i++ {
			require.NoError(t, db.Store([]byte(fmt.Sprintf("k%d", i)), []byte("v"), Insert))
		}

		// Execute
		count, err := db.Traverse(func(key, value []byte) error {
			return db.Delete(key)
		})

		// Check
		assert.NoError(t, err)
		assert.Equal(t, int64(100), count)
		stat, err := db.Stat(false)
		assert.NoError(t, err)
		assert.Equal(t, int64(0), stat.Records)
		_, err = db.Check()
		assert.NoError(t, err)
	})

	t.Run("iterator reset starts over", func(t *testing.T) {
		// Prepare
		conf, _ := testConfig(0)
		db := openDB(t, filepath.Join(t.TempDir(), "test.tdb"), conf)
		require.NoError(t, db.Store([]byte("a"), []byte("1"), Insert))
		require.NoError(t, db.Store([]byte("b"), []byte("2"), Insert))
		it := db.Iterator()

		// Execute
		first := 0
		for it.Next() {
			first++
		}
		it.Reset()
		second := 0
		for it.Next() {
			second++
		}

		// Check
		assert.Equal(t, 2, first)
		assert.Equal(t, 2, second)
		assert.NoError(t, it.Err())
		assert.Nil(t, it.Key())
	})
}

func TestDB_StatCheck(t *testing.T) {
	// Prepare
	conf, _ := testConfig(0)
	db := openDB(t, filepath.Join(t.TempDir(), "test.tdb"), conf)
	for i := 0; i < 50; i++ {
		require.NoError(t, db.Store([]byte(fmt.Sprintf("k%d", i)), bytes.Repeat([]byte("v"), i), Insert))
	}
	for i := 0; i < 50; i += 5 {
		require.NoError(t, db.Delete([]byte(fmt.Sprintf("k%d", i))))
	}

	// Execute
	stat, errStat := db.Stat(true)
	report, errCheck := db.Check()

	// Check
	assert.NoError(t, errStat)
	assert.Equal(t, int64(40), stat.Records)
	assert.Equal(t, int64(64), stat.HashSize)
	var buckets, records int64
	for length, n := range stat.ChainDistribution {
		buckets += n
		records += length * n
	}
	assert.Equal(t, stat.HashSize, buckets)
	assert.Equal(t, stat.Records, records)
	assert.Equal(t, stat.ChainDistribution[0], stat.EmptyBuckets)
	assert.NoError(t, errCheck)
	assert.Empty(t, report.Problems)
	assert.Equal(t, int64(40), report.Records)
	assert.Equal(t, report.Records+report.FreeBlocks, report.Blocks)
}

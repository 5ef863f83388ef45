//go:build unit

package main

import (
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gostonefire/filetdb"
	"github.com/gostonefire/filetdb/dberr"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testDB(t *testing.T) *filetdb.DB {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	conf := filetdb.DefaultConfig()
	conf.HashSize = 16
	conf.Logger = logger

	db, err := filetdb.Open(filepath.Join(t.TempDir(), "tool.tdb"), conf)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	return db
}

func TestParseBatch(t *testing.T) {
	t.Run("parses every operation", func(t *testing.T) {
		// Prepare
		input := "# comment\ninsert a one\n\nreplace b two words\nmodify a\nappend a  more\r\ndelete b\n"

		// Execute
		ops, err := parseBatch(strings.NewReader(input), false)

		// Check
		require.NoError(t, err)
		require.Len(t, ops, 5)
		assert.Equal(t, batchOp{line: 2, op: "insert", key: []byte("a"), value: []byte("one")}, ops[0])
		assert.Equal(t, []byte("two words"), ops[1].value)
		assert.Equal(t, []byte{}, ops[2].value)
		assert.Equal(t, []byte(" more"), ops[3].value)
		assert.Equal(t, "delete", ops[4].op)
		assert.Equal(t, 7, ops[4].line)
	})

	t.Run("hex arguments", func(t *testing.T) {
		ops, err := parseBatch(strings.NewReader("insert 00ff 6869\n"), true)
		require.NoError(t, err)
		assert.Equal(t, []byte{0x00, 0xff}, ops[0].key)
		assert.Equal(t, []byte("hi"), ops[0].value)
	})

	t.Run("bad lines are refused", func(t *testing.T) {
		for _, input := range []string{"frobnicate a b", "insert", "delete a b", "insert zz 00"} {
			_, err := parseBatch(strings.NewReader(input), true)
			assert.Error(t, err, input)
		}
	})
}

func TestApplyBatch(t *testing.T) {
	t.Run("applies all operations", func(t *testing.T) {
		// Prepare
		db := testDB(t)
		ops, err := parseBatch(strings.NewReader("insert a 1\ninsert b 2\nappend a 3\ndelete b\n"), false)
		require.NoError(t, err)

		// Execute
		err = applyBatch(db, ops)

		// Check
		require.NoError(t, err)
		value, err := db.Fetch([]byte("a"))
		assert.NoError(t, err)
		assert.Equal(t, []byte("13"), value)
		_, err = db.Fetch([]byte("b"))
		assert.True(t, errors.Is(err, dberr.NotFound{}))
	})

	t.Run("a failing operation applies nothing", func(t *testing.T) {
		// Prepare
		db := testDB(t)
		ops, err := parseBatch(strings.NewReader("insert a 1\nmodify missing 2\n"), false)
		require.NoError(t, err)

		// Execute
		err = applyBatch(db, ops)

		// Check
		assert.True(t, errors.Is(err, dberr.NotFound{}))
		exists, err := db.Exists([]byte("a"))
		assert.NoError(t, err)
		assert.False(t, exists)
	})
}

func TestEncodeBytes(t *testing.T) {
	assert.Equal(t, "hello", encodeBytes([]byte("hello"), false))
	assert.Equal(t, "0x00ff", encodeBytes([]byte{0x00, 0xff}, false))
	assert.Equal(t, "6869", encodeBytes([]byte("hi"), true))
	assert.Equal(t, "", encodeBytes(nil, false))
}

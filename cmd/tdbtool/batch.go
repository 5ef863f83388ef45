package main

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"github.com/gostonefire/filetdb"
	log "github.com/sirupsen/logrus"
)

// batchOp - One line of a batch file
type batchOp struct {
	line  int
	op    string
	key   []byte
	value []byte
}

// parseBatch - Reads operations, one per line. The whole input is parsed before anything is applied.
func parseBatch(r io.Reader, isHex bool) (ops []batchOp, err error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 64*1024*1024)

	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimRight(scanner.Text(), "\r")
		if strings.TrimSpace(text) == "" || strings.HasPrefix(strings.TrimSpace(text), "#") {
			continue
		}

		fields := strings.SplitN(text, " ", 3)
		op := batchOp{line: line, op: fields[0]}
		switch op.op {
		case "insert", "replace", "modify", "append":
			if len(fields) < 2 {
				err = fmt.Errorf("line %d: %s needs a key and a value", line, op.op)
				return
			}
			value := ""
			if len(fields) == 3 {
				value = fields[2]
			}
			op.value, err = decodeArg(value, isHex)
		case "delete":
			if len(fields) != 2 {
				err = fmt.Errorf("line %d: delete takes only a key", line)
				return
			}
		default:
			err = fmt.Errorf("line %d: unknown operation %q", line, op.op)
			return
		}
		if err != nil {
			err = fmt.Errorf("line %d: %w", line, err)
			return
		}

		op.key, err = decodeArg(fields[1], isHex)
		if err != nil {
			err = fmt.Errorf("line %d: %w", line, err)
			return
		}
		ops = append(ops, op)
	}
	err = scanner.Err()

	return
}

// applyBatch - Runs ops in one transaction, cancelling it on the first failure
func applyBatch(db *filetdb.DB, ops []batchOp) (err error) {
	err = db.TransactionStart()
	if err != nil {
		return
	}

	for _, op := range ops {
		switch op.op {
		case "insert":
			err = db.Store(op.key, op.value, filetdb.Insert)
		case "replace":
			err = db.Store(op.key, op.value, filetdb.Replace)
		case "modify":
			err = db.Store(op.key, op.value, filetdb.Modify)
		case "append":
			err = db.Append(op.key, op.value)
		case "delete":
			err = db.Delete(op.key)
		}
		if err != nil {
			_ = db.TransactionCancel()
			err = fmt.Errorf("line %d: %s: %w", op.line, op.op, err)
			return
		}
	}

	err = db.TransactionCommit()
	if err != nil {
		return
	}
	log.WithField("operations", len(ops)).Info("batch applied")

	return
}

package main

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"io/ioutil"
	"log"
	"os"
	"strings"
	"testing"

	"github.com/m-lab/go/rtx"
	"github.com/m-lab/tcpkern/fq"
	"github.com/m-lab/tcpkern/snapshot"
)

func TestMainTooManyArgs(t *testing.T) {
	defer func(args []string) {
		os.Args = args
		logFatal = log.Fatal
	}(os.Args)

	os.Args = []string{"test_csvtool", "file1", "file2"}
	logFatal = func(...interface{}) {
		panic("panic instead of log.Fatal")
	}

	defer func() {
		e := recover()
		if e == nil {
			t.Error("Should have panicked")
		}
	}()

	main()
}

func writeArchive(t *testing.T, snaps []*snapshot.Snapshot) []byte {
	t.Helper()
	buf := &bytes.Buffer{}
	for _, s := range snaps {
		wire, err := json.Marshal(s)
		if err != nil {
			t.Fatalf("json.Marshal: %v", err)
		}
		size := make([]byte, 9)
		lsize := binary.PutUvarint(size, uint64(len(wire)))
		buf.Write(size[:lsize])
		buf.Write(wire)
	}
	return buf.Bytes()
}

func TestOpenFile(t *testing.T) {
	dir, err := ioutil.TempDir("", "TestOpenFile")
	rtx.Must(err, "Could not make tempdir")
	defer os.RemoveAll(dir)
	rtx.Must(ioutil.WriteFile(dir+"/test.txt", []byte("abcd"), 0666), "Could not write test.txt")
	r, err := openFile(dir + "/test.txt")
	rtx.Must(err, "Could not open file")
	b, err := ioutil.ReadAll(r)
	rtx.Must(err, "Could not read file")
	if string(b) != "abcd" {
		t.Errorf("%q != \"abcd\"", string(b))
	}
}

func TestReadSnapshotsAndCSV(t *testing.T) {
	want := []*snapshot.Snapshot{
		{FlowID: fq.FlowID(1), Cwnd: 1000, Algorithm: "newreno"},
		{FlowID: fq.FlowID(2), Cwnd: 2000, Algorithm: "cubic"},
	}
	raw := writeArchive(t, want)

	snaps, err := readSnapshots(bytes.NewReader(raw))
	rtx.Must(err, "Could not read snapshots")
	if len(snaps) != len(want) {
		t.Fatalf("got %d snapshots, want %d", len(snaps), len(want))
	}

	buf := &bytes.Buffer{}
	if err := toCSV(snaps, buf); err != nil {
		t.Fatalf("toCSV: %v", err)
	}
	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	if len(lines) != len(want)+1 {
		t.Fatalf("got %d CSV lines, want %d", len(lines), len(want)+1)
	}
	if !strings.Contains(lines[0], "Algorithm") {
		t.Errorf("header missing Algorithm column: %q", lines[0])
	}
	if !strings.Contains(lines[1], "newreno") {
		t.Errorf("row 1 missing newreno: %q", lines[1])
	}
}

// Package snapshot defines the point-in-time record taken of one flow's
// AQM, FQ and CC state, and utilities to read archives of them back.
package snapshot

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"errors"
	"io"
	"time"

	"github.com/m-lab/tcpkern/cc"
	"github.com/m-lab/tcpkern/fq"
	"github.com/m-lab/tcpkern/tcp"
)

// Snapshot contains AQM, FQ and CC state for one flow at one instant.
type Snapshot struct {
	// Timestamp of the sampling cycle that produced this snapshot.
	Timestamp time.Time

	// FlowID identifies the flow within its FQ scheduler.
	FlowID fq.FlowID

	// AQM fields (from the flow's aqm.Queue).
	Backlog  int    `csv:",omitempty"`
	Drops    uint32 `csv:",omitempty"`
	Dropping bool   `csv:",omitempty"`

	// FQ fields.
	Deficit int  `csv:",omitempty"`
	Active  bool `csv:",omitempty"`

	// CC fields (from the flow's cc.ControlBlock).
	Algorithm    string    `csv:",omitempty"`
	State        tcp.State `csv:",omitempty"`
	Cwnd         uint32    `csv:",omitempty"`
	Ssthresh     uint32    `csv:",omitempty"`
	SRTT         int       `csv:",omitempty"`
	FastRecovery bool      `csv:",omitempty"`
	CongRecovery bool      `csv:",omitempty"`
}

// FromControlBlock copies the CC-relevant fields of cv into the
// snapshot, leaving AQM/FQ fields untouched.
func (s *Snapshot) FromControlBlock(cv *cc.ControlBlock) {
	s.Algorithm = cv.Algo.Name()
	s.Cwnd = cv.Cwnd
	s.Ssthresh = cv.Ssthresh
	s.SRTT = cv.Srtt
	s.FastRecovery = cv.InFastRecovery()
	s.CongRecovery = cv.InCongRecovery()
}

// ErrEmptyRecord is returned by Decode when a raw archive record has no
// payload to decode.
var ErrEmptyRecord = errors.New("snapshot: empty archive record")

// Decode parses the JSON payload of one archive record (as written by
// the saver package, with its length prefix already stripped, as
// RecordReader.Next returns it) into a Snapshot.
func Decode(raw []byte) (*Snapshot, error) {
	if len(raw) == 0 {
		return nil, ErrEmptyRecord
	}
	var s Snapshot
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// RecordReader reads raw length-prefixed records from an archive, as
// implemented by saver's on-disk format.
type RecordReader interface {
	Next() ([]byte, error)
}

// varintRecordReader reads the varint-length-prefixed JSON records
// written by saver.runMarshaller.
type varintRecordReader struct {
	r *bufio.Reader
}

// NewRecordReader wraps a decompressed archive stream, reading the
// varint-length-prefixed JSON records saver writes.
func NewRecordReader(r io.Reader) RecordReader {
	return &varintRecordReader{r: bufio.NewReader(r)}
}

// Next reads one length-prefixed record, returning io.EOF once the
// stream is exhausted.
func (vr *varintRecordReader) Next() ([]byte, error) {
	size, err := binary.ReadUvarint(vr.r)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, size)
	if _, err := io.ReadFull(vr.r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// Reader wraps a RecordReader to produce decoded Snapshots.
type Reader struct {
	rr RecordReader
}

// NewReader wraps a RecordReader and provides Next().
func NewReader(rr RecordReader) *Reader {
	return &Reader{rr: rr}
}

// Next reads, decodes and returns the next Snapshot.
func (r *Reader) Next() (*Snapshot, error) {
	raw, err := r.rr.Next()
	if err != nil {
		return nil, err
	}
	return Decode(raw)
}

// LoadAll reads every Snapshot from a RecordReader until io.EOF.
func LoadAll(rr RecordReader) ([]*Snapshot, error) {
	reader := NewReader(rr)
	snapshots := make([]*Snapshot, 0, 3000)
	for {
		s, err := reader.Next()
		if err != nil {
			if err == io.EOF {
				break
			}
			return nil, err
		}
		snapshots = append(snapshots, s)
	}
	return snapshots, nil
}

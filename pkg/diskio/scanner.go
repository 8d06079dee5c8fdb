package diskio

import (
	"bufio"
	"fmt"
	"io"
	"os"

	"github.com/KevoDB/diskmap/pkg/record"
)

const scanBufferSize = 64 * 1024

// Scanner reads the records of a log file front to back through its own
// handle. It stops at the file size observed when it was created.
type Scanner struct {
	file   *os.File
	reader *bufio.Reader
	offset int64
	limit  int64
}

func newScanner(path string, limit int64) (*Scanner, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s for scanning: %w", path, err)
	}

	return &Scanner{
		file:   file,
		reader: bufio.NewReaderSize(io.NewSectionReader(file, 0, limit), scanBufferSize),
		limit:  limit,
	}, nil
}

// Next returns the next record with Location set to the offset it was read
// from. It returns io.EOF after the last record and io.ErrUnexpectedEOF when
// the file ends inside a record.
func (s *Scanner) Next() (*record.Record, error) {
	if s.offset >= s.limit {
		return nil, io.EOF
	}

	r, err := record.Read(s.reader, s.limit-s.offset)
	if err != nil {
		return nil, err
	}

	r.Location = s.offset
	s.offset += int64(r.EncodedLen())
	return r, nil
}

// Offset returns where the next record starts, which after a failed Next is
// the start of the unreadable record
func (s *Scanner) Offset() int64 {
	return s.offset
}

// Close releases the scanner's file handle
func (s *Scanner) Close() error {
	return s.file.Close()
}

package reflog

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/golang/snappy"
	hub "github.com/yanghongkjxy/pika-hub"
)

// Store is a minimal numbered-file binlog: each file holds a sequence of
// length-prefixed, snappy-compressed record batches, mirroring the
// teacher's Compression-flagged log entries (rpl.go) but partitioned into
// files the way the glossary's "Binlog" is defined, rather than keyed by
// a monotonic id in a KV store the way log_store_openkv.go does it.
type Store struct {
	mu          sync.Mutex
	dir         string
	maxFileSize int64

	curFile    *os.File
	curFileNum uint64
	curSize    int64

	closed bool
	notify chan struct{}
}

func Open(dir string, maxFileSize int64) (*Store, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}
	s := &Store{dir: dir, maxFileSize: maxFileSize, notify: make(chan struct{})}
	if err := s.openFile(1); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) fileName(num uint64) string {
	return filepath.Join(s.dir, fmt.Sprintf("binlog-%020d", num))
}

func (s *Store) openFile(num uint64) error {
	f, err := os.OpenFile(s.fileName(num), os.O_CREATE|os.O_RDWR|os.O_APPEND, 0644)
	if err != nil {
		return err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return err
	}
	s.curFile = f
	s.curFileNum = num
	s.curSize = info.Size()
	return nil
}

// Append writes one batch of records as a single compressed frame,
// rotating to the next numbered file if it would exceed maxFileSize.
func (s *Store) Append(records []hub.BinlogRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := encodeBatch(records)
	if err != nil {
		return err
	}
	compressed := snappy.Encode(nil, raw)

	if s.maxFileSize > 0 && s.curSize > 0 && s.curSize+int64(len(compressed))+4 > s.maxFileSize {
		if err := s.curFile.Close(); err != nil {
			return err
		}
		if err := s.openFile(s.curFileNum + 1); err != nil {
			return err
		}
	}

	hdr := make([]byte, 4)
	binary.BigEndian.PutUint32(hdr, uint32(len(compressed)))
	if _, err := s.curFile.Write(hdr); err != nil {
		return err
	}
	if _, err := s.curFile.Write(compressed); err != nil {
		return err
	}
	s.curSize += int64(len(hdr) + len(compressed))

	close(s.notify)
	s.notify = make(chan struct{})
	return nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	close(s.notify)
	return s.curFile.Close()
}

func (s *Store) waitCh() chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.notify
}

func (s *Store) nextFileExists(fileNum uint64) (uint64, bool) {
	next := fileNum + 1
	if _, err := os.Stat(s.fileName(next)); err == nil {
		return next, true
	}
	return 0, false
}

// Reader is a tail cursor over a Store, implementing hub.Reader.
type Reader struct {
	store   *Store
	fileNum uint64
	offset  uint64

	f  *os.File
	br *bufio.Reader

	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewReader opens fileNum at offset. fileNum 0 means "the first file".
func (s *Store) NewReader(fileNum, offset uint64) (*Reader, error) {
	if fileNum == 0 {
		fileNum = 1
	}
	f, err := os.Open(s.fileName(fileNum))
	if err != nil {
		return nil, err
	}
	if offset > 0 {
		if _, err := f.Seek(int64(offset), io.SeekStart); err != nil {
			f.Close()
			return nil, err
		}
	}
	return &Reader{
		store:   s,
		fileNum: fileNum,
		offset:  offset,
		f:       f,
		br:      bufio.NewReader(f),
		stopCh:  make(chan struct{}),
	}, nil
}

func (r *Reader) Close() error {
	r.stopOnce.Do(func() { close(r.stopCh) })
	if r.f == nil {
		return nil
	}
	return r.f.Close()
}

func (r *Reader) GetOffset() (uint64, uint64) {
	return r.fileNum, r.offset
}

// ReadRecord blocks until a batch is available, the next numbered file
// appears, or the reader is closed (hub.ErrReaderExit).
func (r *Reader) ReadRecord() ([]hub.BinlogRecord, error) {
	for {
		hdr := make([]byte, 4)
		if _, err := io.ReadFull(r.br, hdr); err == nil {
			size := binary.BigEndian.Uint32(hdr)
			compressed := make([]byte, size)
			if _, err := io.ReadFull(r.br, compressed); err != nil {
				return nil, err
			}
			raw, err := snappy.Decode(nil, compressed)
			if err != nil {
				return nil, err
			}
			records, err := decodeBatch(raw)
			if err != nil {
				return nil, err
			}
			r.offset += uint64(len(hdr) + len(compressed))
			for i := range records {
				records[i].FileNum = r.fileNum
				records[i].Offset = r.offset
			}
			return records, nil
		} else if err != io.EOF && err != io.ErrUnexpectedEOF {
			return nil, err
		}

		if next, ok := r.store.nextFileExists(r.fileNum); ok {
			r.f.Close()
			f, err := os.Open(r.store.fileName(next))
			if err != nil {
				return nil, err
			}
			r.f = f
			r.br = bufio.NewReader(f)
			r.fileNum = next
			r.offset = 0
			continue
		}

		wait := r.store.waitCh()
		select {
		case <-wait:
			r.br = bufio.NewReader(r.f)
			continue
		case <-r.stopCh:
			return nil, hub.ErrReaderExit
		}
	}
}

func encodeBatch(records []hub.BinlogRecord) ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := binary.Write(buf, binary.BigEndian, uint32(len(records))); err != nil {
		return nil, err
	}
	for _, r := range records {
		if err := binary.Write(buf, binary.BigEndian, r.ServerID); err != nil {
			return nil, err
		}
		if err := buf.WriteByte(byte(r.Op)); err != nil {
			return nil, err
		}
		if err := binary.Write(buf, binary.BigEndian, uint32(len(r.Key))); err != nil {
			return nil, err
		}
		buf.Write(r.Key)
		if err := binary.Write(buf, binary.BigEndian, uint32(len(r.Value))); err != nil {
			return nil, err
		}
		buf.Write(r.Value)
		if err := binary.Write(buf, binary.BigEndian, r.ExecTime); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

func decodeBatch(raw []byte) ([]hub.BinlogRecord, error) {
	buf := bytes.NewReader(raw)
	var n uint32
	if err := binary.Read(buf, binary.BigEndian, &n); err != nil {
		return nil, err
	}

	records := make([]hub.BinlogRecord, 0, n)
	for i := uint32(0); i < n; i++ {
		var rec hub.BinlogRecord
		var op byte
		var keyLen, valLen uint32

		if err := binary.Read(buf, binary.BigEndian, &rec.ServerID); err != nil {
			return nil, err
		}
		if err := binary.Read(buf, binary.BigEndian, &op); err != nil {
			return nil, err
		}
		rec.Op = hub.Op(op)
		if err := binary.Read(buf, binary.BigEndian, &keyLen); err != nil {
			return nil, err
		}
		rec.Key = make([]byte, keyLen)
		if _, err := io.ReadFull(buf, rec.Key); err != nil {
			return nil, err
		}
		if err := binary.Read(buf, binary.BigEndian, &valLen); err != nil {
			return nil, err
		}
		rec.Value = make([]byte, valLen)
		if _, err := io.ReadFull(buf, rec.Value); err != nil {
			return nil, err
		}
		if err := binary.Read(buf, binary.BigEndian, &rec.ExecTime); err != nil {
			return nil, err
		}

		records = append(records, rec)
	}
	return records, nil
}

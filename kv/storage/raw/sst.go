package raw

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"

	"github.com/pingcap/errors"

	"github.com/yuhaijun999/dingo-store/kv/kverrors"
	"github.com/yuhaijun999/dingo-store/kv/util/engine_util"
)

// Checkpoint files are sorted runs of one column family:
//
//	[magic u32][version u32]
//	repeat: [crc u32][klen u32][vlen u32][key][value]
//	trailer: [crc u32][klen=0 u32][count u32]
//
// Keys are cf-relative and strictly ascending, so an ingest is a replay of
// the run into the destination engine.
const (
	sstMagic   uint32 = 0xD1960057
	sstVersion uint32 = 1
)

// SstFileInfo describes one exported run.
type SstFileInfo struct {
	Level    int
	Name     string
	Smallest []byte
	Largest  []byte
	Entries  uint64
}

// SstFileWriter streams sorted key/values into a checkpoint file.
type SstFileWriter struct {
	f        *os.File
	w        *bufio.Writer
	smallest []byte
	largest  []byte
	entries  uint64
}

func NewSstFileWriter(path string) (*SstFileWriter, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	w := bufio.NewWriter(f)
	var hdr [8]byte
	binary.BigEndian.PutUint32(hdr[:4], sstMagic)
	binary.BigEndian.PutUint32(hdr[4:], sstVersion)
	if _, err := w.Write(hdr[:]); err != nil {
		f.Close()
		return nil, errors.WithStack(err)
	}
	return &SstFileWriter{f: f, w: w}, nil
}

// Put appends one entry; keys must arrive in ascending order.
func (w *SstFileWriter) Put(key, value []byte) error {
	var lens [8]byte
	binary.BigEndian.PutUint32(lens[:4], uint32(len(key)))
	binary.BigEndian.PutUint32(lens[4:], uint32(len(value)))

	crc := crc32.NewIEEE()
	crc.Write(lens[:])
	crc.Write(key)
	crc.Write(value)
	var crcBuf [4]byte
	binary.BigEndian.PutUint32(crcBuf[:], crc.Sum32())

	for _, chunk := range [][]byte{crcBuf[:], lens[:], key, value} {
		if _, err := w.w.Write(chunk); err != nil {
			return errors.WithStack(err)
		}
	}
	if w.smallest == nil {
		w.smallest = append([]byte(nil), key...)
	}
	w.largest = append(w.largest[:0], key...)
	w.entries++
	return nil
}

// Finish writes the trailer and closes the file. The trailer reuses the
// record frame with klen = 0 and the entry count in the vlen slot.
func (w *SstFileWriter) Finish() (SstFileInfo, error) {
	var trailer [12]byte
	binary.BigEndian.PutUint32(trailer[8:], uint32(w.entries))
	crc := crc32.ChecksumIEEE(trailer[4:])
	binary.BigEndian.PutUint32(trailer[:4], crc)
	if _, err := w.w.Write(trailer[:]); err != nil {
		return SstFileInfo{}, errors.WithStack(err)
	}
	if err := w.w.Flush(); err != nil {
		return SstFileInfo{}, errors.WithStack(err)
	}
	if err := w.f.Close(); err != nil {
		return SstFileInfo{}, errors.WithStack(err)
	}
	return SstFileInfo{
		Name:     filepath.Base(w.f.Name()),
		Smallest: w.smallest,
		Largest:  w.largest,
		Entries:  w.entries,
	}, nil
}

// Checkpoint exports one column family of [start, end) into dir as a single
// sorted run and returns its description.
func (s *Storage) Checkpoint(dir, cf string, start, end []byte) ([]SstFileInfo, error) {
	if err := os.MkdirAll(dir, os.ModePerm); err != nil {
		return nil, errors.WithStack(err)
	}
	path := filepath.Join(dir, fmt.Sprintf("%s_0.sst", cf))
	writer, err := NewSstFileWriter(path)
	if err != nil {
		return nil, err
	}

	snap := s.Snapshot()
	defer snap.Close()
	it := snap.IterCF(cf, engine_util.IterOptions{Lower: start, Upper: end})
	defer it.Close()
	for it.Seek(start); it.Valid(); it.Next() {
		item := it.Item()
		key := item.KeyCopy(nil)
		value, err := item.Value()
		if err != nil {
			return nil, errors.WithStack(err)
		}
		if err := writer.Put(key, value); err != nil {
			return nil, err
		}
	}
	info, err := writer.Finish()
	if err != nil {
		return nil, err
	}
	return []SstFileInfo{info}, nil
}

// Ingest replays exported runs into a column family. Entries land through the
// normal write path, so no global-sequence rewrite is needed.
func (s *Storage) Ingest(cf string, paths []string) error {
	for _, path := range paths {
		if err := s.ingestOne(cf, path); err != nil {
			return errors.Annotatef(err, "ingest %s", path)
		}
	}
	return nil
}

func (s *Storage) ingestOne(cf string, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return errors.WithStack(err)
	}
	defer f.Close()
	r := bufio.NewReader(f)

	var hdr [8]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return errors.WithStack(err)
	}
	if binary.BigEndian.Uint32(hdr[:4]) != sstMagic {
		return errors.Annotatef(kverrors.ErrCorruption, "bad sst magic in %s", path)
	}
	if binary.BigEndian.Uint32(hdr[4:]) != sstVersion {
		return errors.Annotatef(kverrors.ErrCorruption, "bad sst version in %s", path)
	}

	wb := new(engine_util.WriteBatch)
	const flushEvery = 4 << 20
	for {
		var crcBuf [4]byte
		if _, err := io.ReadFull(r, crcBuf[:]); err != nil {
			return errors.WithStack(err)
		}
		var lens [8]byte
		if _, err := io.ReadFull(r, lens[:]); err != nil {
			return errors.WithStack(err)
		}
		klen := binary.BigEndian.Uint32(lens[:4])
		if klen == 0 {
			if crc32.ChecksumIEEE(lens[:]) != binary.BigEndian.Uint32(crcBuf[:]) {
				return errors.Annotatef(kverrors.ErrCorruption, "sst trailer crc mismatch in %s", path)
			}
			break
		}
		vlen := binary.BigEndian.Uint32(lens[4:])
		key := make([]byte, klen)
		value := make([]byte, vlen)
		if _, err := io.ReadFull(r, key); err != nil {
			return errors.WithStack(err)
		}
		if _, err := io.ReadFull(r, value); err != nil {
			return errors.WithStack(err)
		}
		crc := crc32.NewIEEE()
		crc.Write(lens[:])
		crc.Write(key)
		crc.Write(value)
		if crc.Sum32() != binary.BigEndian.Uint32(crcBuf[:]) {
			return errors.Annotatef(kverrors.ErrCorruption, "sst entry crc mismatch in %s", path)
		}
		wb.SetCF(cf, key, value)
		if wb.Size() >= flushEvery {
			if err := s.Write(wb); err != nil {
				return err
			}
			wb.Reset()
		}
	}
	return s.Write(wb)
}

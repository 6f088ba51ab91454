// Package storage implements CRC-guarded, atomically-replaced
// persistent storage of protocol-stack parameter blocks, modeled on
// CANopenNode's CO_storageLinux.c: named files holding a payload
// followed by a little-endian CRC-16/CCITT, atomic store via
// tmp-then-rename, restore-to-defaults via a sentinel file, and
// auto-save on change.
package storage

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/mwagner/colinux/internal/crc"
)

// restoreSentinel is the exact two-byte file content that means "use
// in-memory defaults on next init".
var restoreSentinel = []byte{'-', '\n'}

// Attr are per-entry attribute flags.
type Attr uint8

const (
	AttrCommandStorable Attr = 1 << iota // writable via "store" command
	AttrAutoStorable                     // saved automatically on change
	AttrRestorable                       // eligible for "restore defaults"
)

// Entry is one named, CRC-guarded storage region. Addr is the live
// in-memory buffer; Entry never reallocates it, it only overwrites its
// contents in place so that external holders of the same backing array
// observe store/restore results.
type Entry struct {
	Filename string
	SubIndex uint8 // OD sub-index, error-reporting identity; must be >= 2
	Addr     []byte
	Attr     Attr

	mu       sync.Mutex
	lastCRC  uint16
	haveCRC  bool
	autoFile *os.File
}

// Store manages a set of Entry objects sharing one auto-save tick.
type Store struct {
	log     *logrus.Logger
	entries []*Entry
}

// New creates a Store over the given entries. It does not read or
// write any file; call Init for that.
func New(entries []*Entry, log *logrus.Logger) *Store {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Store{log: log, entries: entries}
}

// Init opens and validates every entry's file per §4.D: a missing or
// empty file leaves in-memory defaults and marks the entry degraded; a
// present file is accepted only if its trailing CRC matches the first
// len(Addr) bytes. Auto-storable entries keep their file handle open
// (read/write) for subsequent auto-save ticks.
//
// The returned bitmap has bit SubIndex (clamped to 31) set for every
// degraded entry, matching CO_storageLinux_init's storageInitError.
func (s *Store) Init() (degraded uint32, err error) {
	for _, e := range s.entries {
		if len(e.Addr) == 0 || e.SubIndex < 2 {
			return degraded, fmt.Errorf("storage: entry %q has invalid addr/subindex", e.Filename)
		}
		corrupt, loadErr := e.load()
		if loadErr != nil {
			s.log.WithError(loadErr).WithField("file", e.Filename).Warn("storage entry degraded")
		}
		if corrupt {
			degraded |= degradedBit(e.SubIndex)
		}
		if e.Attr&AttrAutoStorable != 0 {
			if openErr := e.openAutoFile(); openErr != nil {
				return degraded, fmt.Errorf("storage: opening auto-save file for %q: %w", e.Filename, openErr)
			}
		}
	}
	return degraded, nil
}

func degradedBit(subIndex uint8) uint32 {
	bit := subIndex
	if bit > 31 {
		bit = 31
	}
	return uint32(1) << bit
}

// load reads and validates e's file, applying the corrupt-vs-ok
// decision of §4.D. It returns corrupt=true when defaults were kept.
func (e *Entry) load() (corrupt bool, err error) {
	f, openErr := os.Open(e.Filename)
	if openErr != nil {
		return true, openErr
	}
	defer f.Close()

	buf := make([]byte, len(e.Addr)+2)
	n, readErr := io.ReadFull(f, buf)
	if readErr != nil && readErr != io.ErrUnexpectedEOF {
		return true, readErr
	}
	buf = buf[:n]

	if bytes.Equal(buf, restoreSentinel) {
		return true, nil
	}

	if n != len(e.Addr)+2 {
		return true, fmt.Errorf("storage: short file, got %d bytes want %d", n, len(e.Addr)+2)
	}

	payload := buf[:len(e.Addr)]
	stored := binary.LittleEndian.Uint16(buf[len(e.Addr):])
	computed := crc.Of(payload, 0)
	if computed != stored {
		return true, fmt.Errorf("storage: crc mismatch for %q", e.Filename)
	}

	copy(e.Addr, payload)
	e.lastCRC = computed
	e.haveCRC = true
	return false, nil
}

func (e *Entry) openAutoFile() error {
	f, err := os.OpenFile(e.Filename, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	e.autoFile = f
	return nil
}

// Store atomically replaces an entry's file with the current in-memory
// contents: write to "<name>.tmp", read it back and verify, rename the
// existing file to "<name>.old", then rename "<name>.tmp" to "<name>".
// A failure while writing or verifying "<name>.tmp" leaves the existing
// file untouched; if the final rename fails, the previous contents are
// left only in "<name>.old" and are not moved back.
func (s *Store) Store(e *Entry) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	tmp := e.Filename + ".tmp"
	old := e.Filename + ".old"

	payload := append([]byte(nil), e.Addr...)
	sum := crc.Of(payload, 0)

	if err := writeWithCRC(tmp, payload, sum); err != nil {
		return fmt.Errorf("storage: writing %q: %w", tmp, err)
	}

	verifyPayload, verifySum, err := readWithCRC(tmp, len(payload))
	if err != nil || verifySum != sum || !bytes.Equal(verifyPayload, payload) {
		return fmt.Errorf("storage: verification failed for %q", tmp)
	}

	// Best-effort: absence of a prior file is not an error.
	_ = os.Rename(e.Filename, old)
	if err := os.Rename(tmp, e.Filename); err != nil {
		return fmt.Errorf("storage: renaming %q to %q: %w", tmp, e.Filename, err)
	}
	e.lastCRC = sum
	e.haveCRC = true
	return nil
}

func writeWithCRC(path string, payload []byte, sum uint16) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := f.Write(payload); err != nil {
		return err
	}
	var crcBuf [2]byte
	binary.LittleEndian.PutUint16(crcBuf[:], sum)
	_, err = f.Write(crcBuf[:])
	return err
}

func readWithCRC(path string, payloadLen int) (payload []byte, sum uint16, err error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, err
	}
	defer f.Close()
	buf := make([]byte, payloadLen+2)
	if _, err := io.ReadFull(f, buf); err != nil {
		return nil, 0, err
	}
	return buf[:payloadLen], binary.LittleEndian.Uint16(buf[payloadLen:]), nil
}

// Restore closes the auto-save handle if present, renames the existing
// file to "<name>.old", and writes a new file containing exactly the
// sentinel bytes "-\n" meaning "use defaults on next init".
func (s *Store) Restore(e *Entry) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.autoFile != nil {
		_ = e.autoFile.Close()
		e.autoFile = nil
	}

	old := e.Filename + ".old"
	_ = os.Rename(e.Filename, old)

	f, err := os.Create(e.Filename)
	if err != nil {
		return fmt.Errorf("storage: creating %q: %w", e.Filename, err)
	}
	defer f.Close()
	_, err = f.Write(restoreSentinel)
	return err
}

// AutoSave writes any auto-storable entry whose in-memory content's CRC
// differs from the last persisted CRC. lock is invoked with a function
// that copies each entry's Addr, so the copy is taken under the caller's
// shared-state lock (§5: OD_mutex), matching the source's requirement that the read of the
// in-memory region be mutex-protected; AutoSave itself does not take
// that lock. It returns a bitmap of subindex-positioned failures.
func (s *Store) AutoSave(closeFiles bool, lock func(func())) uint32 {
	var failed uint32
	for _, e := range s.entries {
		if e.Attr&AttrAutoStorable == 0 || e.autoFile == nil {
			continue
		}

		var sum uint16
		var payload []byte
		readEntry := func() {
			payload = append([]byte(nil), e.Addr...)
			sum = crc.Of(payload, 0)
		}
		if lock != nil {
			lock(readEntry)
		} else {
			readEntry()
		}

		if sum != e.lastCRC || !e.haveCRC {
			if err := e.rewriteAutoFile(payload, sum); err != nil {
				s.log.WithError(err).WithField("file", e.Filename).Warn("auto-save failed")
				failed |= degradedBit(e.SubIndex)
			} else {
				e.lastCRC = sum
				e.haveCRC = true
			}
		}

		if closeFiles {
			_ = e.autoFile.Close()
			e.autoFile = nil
		}
	}
	return failed
}

func (e *Entry) rewriteAutoFile(payload []byte, sum uint16) error {
	if _, err := e.autoFile.Seek(0, io.SeekStart); err != nil {
		return err
	}
	if _, err := e.autoFile.Write(payload); err != nil {
		return err
	}
	var crcBuf [2]byte
	binary.LittleEndian.PutUint16(crcBuf[:], sum)
	if _, err := e.autoFile.Write(crcBuf[:]); err != nil {
		return err
	}
	return e.autoFile.Sync()
}

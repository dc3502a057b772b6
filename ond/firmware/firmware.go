// Package firmware loads, validates, and serves firmware images by identity.
// A Store is safe for concurrent use; every operation takes the store's single lock.
package firmware

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rflandau/fwdist/ond"
	"github.com/rs/zerolog"
)

// image layout
const (
	// DataOffset is the offset of block 0 within an image file.
	DataOffset = 4
	headerLen  = 0x1C
)

var magic = [3]struct {
	offset int
	value  uint32
}{{0x04, 0x12345678}, {0x08, 0x11223344}, {0x0C, 0x55667788}}

var (
	ErrBadMagic     = errors.New("invalid magic number")
	ErrNotAnUpdate  = errors.New("image identity is unset (all 0xFF); not an update image")
	ErrShortImage   = fmt.Errorf("image is shorter than its %dB header", headerLen)
	ErrBadBlockSize = errors.New("block size must be greater than 0")
)

// Info describes one loaded image.
type Info struct {
	Name    string         `json:"name"` // base name of the file the image came from
	Path    string         `json:"path"`
	ID      ond.FirmwareID `json:"id"`
	Size    uint32         `json:"size"`
	Timeout uint32         `json:"timeout"`
	Loaded  time.Time      `json:"loaded"`
}

type image struct {
	Info
	data []byte
}

// Store holds every loaded image.
// Images are keyed by path; lookups by identity return the earliest-loaded image with that identity.
type Store struct {
	log *zerolog.Logger

	mu     sync.Mutex
	images []*image
}

// NewStore returns an empty store.
// If l is nil, logging is discarded.
func NewStore(l *zerolog.Logger) *Store {
	if l == nil {
		nop := zerolog.Nop()
		l = &nop
	}
	return &Store{log: l}
}

// Open reads and validates the image at path, replacing any image previously loaded from the same path.
// If the new image fails validation, the earlier copy is still unloaded.
func (s *Store) Open(path string) (Info, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Info{}, err
	}
	return s.Load(path, data)
}

// Load validates data and stores it under the given path, replacing any image previously loaded from it.
// The store keeps data; callers must not modify it afterwards.
func (s *Store) Load(path string, data []byte) (Info, error) {
	s.Close(path)

	id, err := parseHeader(data)
	if err != nil {
		s.log.Error().Err(err).Str("path", path).Msg("not loading firmware")
		return Info{}, err
	}
	img := &image{
		Info: Info{
			Name:    filepath.Base(path),
			Path:    path,
			ID:      id,
			Size:    uint32(len(data)),
			Timeout: ond.DefaultFirmwareTimeout,
			Loaded:  time.Now(),
		},
		data: data,
	}

	s.mu.Lock()
	s.images = append(s.images, img)
	s.mu.Unlock()

	s.log.Info().Str("name", img.Name).Func(id.Zerolog).Uint32("timeout", img.Timeout).Msg("loaded firmware")
	return img.Info, nil
}

// parseHeader checks the magic words and pulls the identity out of the image header.
func parseHeader(data []byte) (ond.FirmwareID, error) {
	if len(data) < headerLen {
		return ond.FirmwareID{}, ErrShortImage
	}
	be := binary.BigEndian
	for _, m := range magic {
		if v := be.Uint32(data[m.offset:]); v != m.value {
			return ond.FirmwareID{}, fmt.Errorf("%w: 0x%08x at 0x%02x", ErrBadMagic, v, m.offset)
		}
	}
	id := ond.FirmwareID{
		DeviceID: be.Uint32(data[0x14:]),
		ChipType: be.Uint16(data[0x18:]),
		Revision: be.Uint16(data[0x1A:]),
	}
	if id == (ond.FirmwareID{DeviceID: 0xFFFFFFFF, ChipType: 0xFFFF, Revision: 0xFFFF}) {
		return ond.FirmwareID{}, ErrNotAnUpdate
	}
	return id, nil
}

// Close unloads the image loaded from path.
// Returns false if no such image was loaded.
func (s *Store) Close(path string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, img := range s.images {
		if img.Path == path {
			s.images = append(s.images[:i], s.images[i+1:]...)
			s.log.Info().Str("name", img.Name).Msg("unloaded firmware")
			return true
		}
	}
	return false
}

// List returns a description of every loaded image, in load order.
func (s *Store) List() []Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Info, len(s.images))
	for i, img := range s.images {
		out[i] = img.Info
	}
	return out
}

// get returns the first image with the given identity.
// Caller must hold the lock.
func (s *Store) get(id ond.FirmwareID) *image {
	for _, img := range s.images {
		if img.ID == id {
			return img
		}
	}
	return nil
}

// TotalBlocks returns the number of whole blocks of the given size in the image.
func (s *Store) TotalBlocks(id ond.FirmwareID, blockSize uint16) (uint16, error) {
	if blockSize == 0 {
		return 0, ErrBadBlockSize
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	img := s.get(id)
	if img == nil {
		return 0, ond.ErrNotFound
	}
	return uint16(img.Size / uint32(blockSize)), nil
}

// Block copies block n of the image into dst, which must be at least blockSize long.
// Blocks start DataOffset bytes into the file; bytes past the end of the image are zero.
func (s *Store) Block(id ond.FirmwareID, n, blockSize uint16, dst []byte) error {
	if blockSize == 0 {
		return ErrBadBlockSize
	} else if len(dst) < int(blockSize) {
		return fmt.Errorf("destination holds %dB, block is %dB", len(dst), blockSize)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	img := s.get(id)
	if img == nil {
		return ond.ErrNotFound
	}
	dst = dst[:blockSize]
	clear(dst)
	if off := DataOffset + int(n)*int(blockSize); off < len(img.data) {
		copy(dst, img.data[off:])
	}
	return nil
}

// SetTimeout changes the reset timeout carried by blocks of the given image.
func (s *Store) SetTimeout(id ond.FirmwareID, timeout uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	img := s.get(id)
	if img == nil {
		return ond.ErrNotFound
	}
	img.Timeout = timeout
	s.log.Debug().Func(id.Zerolog).Uint32("timeout", timeout).Msg("timeout set")
	return nil
}

// Timeout returns the reset timeout carried by blocks of the given image.
func (s *Store) Timeout(id ond.FirmwareID) (uint32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	img := s.get(id)
	if img == nil {
		return 0, ond.ErrNotFound
	}
	return img.Timeout, nil
}
